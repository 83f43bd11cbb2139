// Package transport implements byte-stream transports (TCP, TLS) and a socket
// listener, in a "pump" model: I/O only progresses when Poll is called.
//
// Both Transport and Listener implement [opqueue.Pollable], and their
// blocking operations (Open, Close, SendWait) wait for completion via
// [opqueue.Queue.WaitPolled], ticking the transport while they wait. Event
// callbacks (see Events and ListenerEvents) are invoked from within Poll.
package transport
