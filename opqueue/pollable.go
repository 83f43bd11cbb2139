package opqueue

import (
	"sync"
)

type (
	// Pollable models anything that can service ready I/O, once, blocking
	// for (at most) a small, bounded duration.
	//
	// Completions are typically produced as a side effect of Poll, e.g. a
	// connection dispatching a received frame to a callback, which calls
	// Queue.Complete.
	Pollable interface {
		Poll()
	}

	// PollableFunc implements Pollable.
	PollableFunc func()

	serialPollable struct {
		pollable Pollable
		mu       sync.Mutex
	}

	pollableSlice []Pollable
)

// Poll implements Pollable, by calling the receiver, if non-nil.
func (x PollableFunc) Poll() {
	if x != nil {
		x()
	}
}

// Serialize wraps pollable such that at most one goroutine ticks it at a
// time. Callers that find a tick already in progress return immediately,
// without ticking, meaning their wait proceeds to block until the next
// completion or poll interval.
//
// This is for pollables that are not safe to tick concurrently, and are
// shared by multiple waiters (e.g. one connection, many in-flight sends).
func Serialize(pollable Pollable) Pollable {
	if pollable == nil {
		panic(`opqueue: nil pollable`)
	}
	if _, ok := pollable.(*serialPollable); ok {
		return pollable
	}
	return &serialPollable{pollable: pollable}
}

func (x *serialPollable) Poll() {
	if !x.mu.TryLock() {
		return
	}
	defer x.mu.Unlock()
	x.pollable.Poll()
}

// Pollables combines multiple pollables, such that each tick polls each of
// them, in order. Nil values are ignored.
func Pollables(pollables ...Pollable) Pollable {
	s := make(pollableSlice, 0, len(pollables))
	for _, p := range pollables {
		if p != nil {
			s = append(s, p)
		}
	}
	return s
}

func (x pollableSlice) Poll() {
	for _, p := range x {
		p.Poll()
	}
}
