// Package opqueue implements a completion queue for asynchronous operations,
// bridging callbacks fired from an I/O path to a synchronous waiter.
//
// The waiter may also be the goroutine responsible for driving that I/O path,
// in which case it passes a [Pollable], which is ticked while waiting. This
// models protocol stacks where completions (e.g. "link attached", "send
// acknowledged") are only produced as a side effect of pumping a connection.
//
// See also [Registry], for routing responses to per-request queues, and
// [Collect], for draining multiple results at once.
package opqueue
