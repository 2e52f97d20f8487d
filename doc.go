// Package tensorpipe provides the event-dispatch core of an inter-process
// transport: a single background dispatch goroutine multiplexing readiness
// events on file descriptors, plus a handler abstraction binding a
// descriptor, an interest mask and a callback to the loop with safe,
// idempotent cancellation. Arbitrary goroutines can serialize work onto the
// dispatch goroutine through [Loop.Run] and observe its outcome through the
// returned [Future].
package tensorpipe
