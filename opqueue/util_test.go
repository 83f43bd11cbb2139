package opqueue

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

// checkNumGoroutines returns a func to be deferred, which fails the test if
// the number of goroutines doesn't return to (at most) the starting value,
// within the timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			after := runtime.NumGoroutine()
			if after <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`goroutines not cleaned up: %d before, %d after`, before, after)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}

// countingPollable counts ticks, optionally calling fn on each.
type countingPollable struct {
	fn    func(tick int64)
	ticks atomic.Int64
}

func (x *countingPollable) Poll() {
	tick := x.ticks.Add(1)
	if x.fn != nil {
		x.fn(tick)
	}
}

// failPollable fails the test if polled.
type failPollable struct {
	t *testing.T
}

func (x failPollable) Poll() {
	x.t.Helper()
	x.t.Error(`unexpected poll`)
}
