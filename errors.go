package tensorpipe

import "errors"

var (
	// ErrNotReady is returned by [Future.Result] while the future is still pending.
	ErrNotReady = errors.New("future is still pending")

	// ErrNotImplemented is returned when the readiness poller is not supported
	// on the current platform.
	ErrNotImplemented = errors.New("not implemented on this platform")

	// ErrLoopStopped is returned for work submitted to a loop whose dispatch
	// goroutine has terminated.
	ErrLoopStopped = errors.New("event loop is stopped")

	// ErrAcceptPending is returned by [Listener.Accept] while a previous
	// accept is still outstanding.
	ErrAcceptPending = errors.New("accept already pending")
)
