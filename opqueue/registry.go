package opqueue

import (
	"sync"
)

// Registry tracks in-flight request/response operations, each with its own
// Queue, keyed by a correlation id. Responses received on the I/O path are
// routed to the waiting caller via Complete.
//
// The zero value is ready to use. See also NewRegistry.
type Registry[K comparable, T any] struct {
	queues map[K]*Queue[T]
	opts   []Option
	mu     sync.Mutex
}

// NewRegistry initializes a new Registry, the options of which will be
// applied to each registered Queue.
func NewRegistry[K comparable, T any](opts ...Option) *Registry[K, T] {
	return &Registry[K, T]{opts: opts}
}

// Register creates a queue for key. False will be returned if key is already
// registered, in which case the existing queue is returned.
//
// The caller should call Remove once it has finished waiting.
func (x *Registry[K, T]) Register(key K) (*Queue[T], bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if q, ok := x.queues[key]; ok {
		return q, false
	}

	if x.queues == nil {
		x.queues = make(map[K]*Queue[T])
	}

	q := New[T](x.opts...)
	x.queues[key] = q
	return q, true
}

// Complete routes value to the queue registered for key, returning false if
// there is no such queue, e.g. a response for a request that was already
// abandoned.
func (x *Registry[K, T]) Complete(key K, value T) bool {
	x.mu.Lock()
	q, ok := x.queues[key]
	x.mu.Unlock()

	if !ok {
		return false
	}

	q.Complete(value)
	return true
}

// CompleteAll completes every registered queue with value, e.g. to fail all
// in-flight requests after the underlying link errors. It returns the number
// of queues completed. Queues remain registered.
func (x *Registry[K, T]) CompleteAll(value T) int {
	x.mu.Lock()
	queues := make([]*Queue[T], 0, len(x.queues))
	for _, q := range x.queues {
		queues = append(queues, q)
	}
	x.mu.Unlock()

	for _, q := range queues {
		q.Complete(value)
	}

	return len(queues)
}

// Remove unregisters key. Any pending results are dropped.
func (x *Registry[K, T]) Remove(key K) {
	x.mu.Lock()
	delete(x.queues, key)
	x.mu.Unlock()
}

// Len returns the number of registered keys.
func (x *Registry[K, T]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.queues)
}
