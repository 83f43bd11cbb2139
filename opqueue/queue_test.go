package opqueue

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

type intString struct {
	Int    int
	String string
}

func TestQueue_zeroValue(t *testing.T) {
	var q Queue[int]
	if q.Len() != 0 {
		t.Fatal(q.Len())
	}
	q.Complete(7)
	if v, ok := q.WaitPolled(context.Background(), nil); !ok || v != 7 {
		t.Fatal(v, ok)
	}
	if q.pollInterval() != DefaultPollInterval {
		t.Fatal(q.pollInterval())
	}
}

func TestQueue_WaitPolled_nilContext(t *testing.T) {
	defer func() {
		if v := fmt.Sprint(recover()); v != `opqueue: nil context` {
			t.Errorf(`unexpected panic: %s`, v)
		}
	}()
	//lint:ignore SA1012 testing nil context
	New[int]().WaitPolled(nil, nil)
}

func TestQueue_Wait_nilContext(t *testing.T) {
	defer func() {
		if v := fmt.Sprint(recover()); v != `opqueue: nil context` {
			t.Errorf(`unexpected panic: %s`, v)
		}
	}()
	//lint:ignore SA1012 testing nil context
	New[int]().Wait(nil)
}

func TestWithPollInterval_invalid(t *testing.T) {
	for _, d := range [...]time.Duration{0, -1} {
		t.Run(d.String(), func(t *testing.T) {
			defer func() {
				if v := fmt.Sprint(recover()); v != `opqueue: poll interval must be positive` {
					t.Errorf(`unexpected panic: %s`, v)
				}
			}()
			WithPollInterval(d)
		})
	}
}

// every completion issued before any wait is returned, in order
func TestQueue_noLoss(t *testing.T) {
	const n = 100
	q := New[int]()
	for i := 0; i < n; i++ {
		q.Complete(i)
	}
	if q.Len() != n {
		t.Fatal(q.Len())
	}
	for i := 0; i < n; i++ {
		v, ok := q.WaitPolled(context.Background(), failPollable{t})
		if !ok || v != i {
			t.Fatalf(`expected %d, got %d (%v)`, i, v, ok)
		}
	}
	if q.Len() != 0 {
		t.Fatal(q.Len())
	}
}

func TestQueue_WaitPolled_availableWithoutPolling(t *testing.T) {
	q := New[intString]()
	q.Complete(intString{42, `ok`})
	if v, ok := q.WaitPolled(context.Background(), failPollable{t}); !ok || v != (intString{42, `ok`}) {
		t.Fatal(v, ok)
	}
}

// a ready result takes priority over a done context
func TestQueue_WaitPolled_availableCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := New[string]()
	q.Complete(`a`)
	if v, ok := q.WaitPolled(ctx, failPollable{t}); !ok || v != `a` {
		t.Fatal(v, ok)
	}
	if v, ok := q.WaitPolled(ctx, failPollable{t}); ok || v != `` {
		t.Fatal(v, ok)
	}
}

func TestQueue_WaitPolled_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := New[int](WithPollInterval(time.Hour))
	start := time.Now()
	if v, ok := q.WaitPolled(ctx, failPollable{t}); ok || v != 0 {
		t.Fatal(v, ok)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatal(d)
	}
}

func TestQueue_WaitPolled_deadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	q := New[int](WithPollInterval(time.Hour))
	start := time.Now()
	if v, ok := q.WaitPolled(ctx, failPollable{t}); ok || v != 0 {
		t.Fatal(v, ok)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatal(d)
	}
	if ctx.Err() != context.DeadlineExceeded {
		t.Fatal(ctx.Err())
	}
}

// cancel during the wait takes effect without waiting for the poll interval
func TestQueue_WaitPolled_cancelWhileBlocked(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New[int](WithPollInterval(time.Hour))
	var pollable countingPollable
	time.AfterFunc(time.Millisecond*30, cancel)
	start := time.Now()
	if _, ok := q.WaitPolled(ctx, &pollable); ok {
		t.Fatal(`expected no result`)
	}
	if d := time.Since(start); d < time.Millisecond*20 || d > time.Second*2 {
		t.Fatal(d)
	}
	if n := pollable.ticks.Load(); n != 1 {
		t.Fatal(n)
	}
}

func TestQueue_WaitPolled_completedByPollable(t *testing.T) {
	q := New[int](WithPollInterval(time.Millisecond))
	pollable := countingPollable{fn: func(tick int64) {
		if tick == 3 {
			q.Complete(int(tick))
		}
	}}
	if v, ok := q.WaitPolled(context.Background(), &pollable); !ok || v != 3 {
		t.Fatal(v, ok)
	}
	if n := pollable.ticks.Load(); n != 3 {
		t.Fatal(n)
	}
}

// a completion from another goroutine wakes the waiter, the poll interval is
// long enough that the test would time out otherwise
func TestQueue_WaitPolled_crossGoroutine(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)
	q := New[int](WithPollInterval(time.Hour))
	go func() {
		time.Sleep(time.Millisecond * 20)
		q.Complete(5)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	start := time.Now()
	if v, ok := q.WaitPolled(ctx, PollableFunc(func() {})); !ok || v != 5 {
		t.Fatal(v, ok)
	}
	if d := time.Since(start); d > time.Second*2 {
		t.Fatal(d)
	}
}

func TestQueue_WaitPolled_fifoFromProducer(t *testing.T) {
	q := New[int]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Complete(1)
		q.Complete(2)
	}()
	ctx := context.Background()
	if v, ok := q.WaitPolled(ctx, nil); !ok || v != 1 {
		t.Fatal(v, ok)
	}
	if v, ok := q.WaitPolled(ctx, nil); !ok || v != 2 {
		t.Fatal(v, ok)
	}
	<-done
}

// mirrors the documented example: an immediate result, then a bounded wait
func TestQueue_WaitPolled_example(t *testing.T) {
	const interval = time.Millisecond * 10
	q := New[intString](WithPollInterval(interval))
	q.Complete(intString{42, `ok`})

	if v, ok := q.WaitPolled(context.Background(), PollableFunc(nil)); !ok || v != (intString{42, `ok`}) {
		t.Fatal(v, ok)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	var pollable countingPollable
	if v, ok := q.WaitPolled(ctx, &pollable); ok {
		t.Fatal(v)
	}
	d := time.Since(start)
	if d < time.Millisecond*50 {
		t.Fatal(d)
	}
	// generous upper bound, for slow CI
	if d > time.Millisecond*50+interval+time.Second {
		t.Fatal(d)
	}
	if n := pollable.ticks.Load(); n < 2 {
		t.Fatalf(`expected multiple ticks, got %d`, n)
	}
}

func TestQueue_Wait(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	q := New[string]()
	go func() {
		time.Sleep(time.Millisecond * 10)
		q.Complete(`hello`)
	}()
	if v, ok := q.Wait(context.Background()); !ok || v != `hello` {
		t.Fatal(v, ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	if v, ok := q.Wait(ctx); ok {
		t.Fatal(v)
	}
}

func TestQueue_TryWait(t *testing.T) {
	q := New[*int]()
	if v, ok := q.TryWait(); ok || v != nil {
		t.Fatal(v, ok)
	}
	a, b := new(int), new(int)
	q.Complete(a)
	q.Complete(b)
	if v, ok := q.TryWait(); !ok || v != a {
		t.Fatal(v, ok)
	}
	if v, ok := q.TryWait(); !ok || v != b {
		t.Fatal(v, ok)
	}
	if v, ok := q.TryWait(); ok || v != nil {
		t.Fatal(v, ok)
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New[int]()
	q.Complete(1)
	q.Complete(2)
	q.Clear()
	if q.Len() != 0 {
		t.Fatal(q.Len())
	}
	if v, ok := q.TryWait(); ok {
		t.Fatal(v)
	}
	q.Complete(3)
	if v, ok := q.TryWait(); !ok || v != 3 {
		t.Fatal(v, ok)
	}
}

// many producers, one consumer, nothing lost, per-producer order preserved
func TestQueue_concurrentProducers(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	type item struct {
		producer, seq int
	}

	const (
		producers = 8
		perEach   = 200
	)

	q := New[item](WithPollInterval(time.Millisecond))

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perEach; i++ {
				q.Complete(item{p, i})
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	next := make([]int, producers)
	for i := 0; i < producers*perEach; i++ {
		v, ok := q.WaitPolled(ctx, nil)
		if !ok {
			t.Fatalf(`timed out after %d results`, i)
		}
		if v.seq != next[v.producer] {
			t.Fatalf(`producer %d: expected seq %d, got %d`, v.producer, next[v.producer], v.seq)
		}
		next[v.producer]++
	}

	wg.Wait()

	if q.Len() != 0 {
		t.Fatal(q.Len())
	}
}

func TestQueue_logsAbandonedWait(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()

	q := New[int](WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.WaitPolled(ctx, nil); ok {
		t.Fatal(`expected no result`)
	}

	s := buf.String()
	if !strings.Contains(s, `opqueue: wait abandoned`) || !strings.Contains(s, context.Canceled.Error()) {
		t.Fatal(s)
	}
}
