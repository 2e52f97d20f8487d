package tensorpipe

import (
	"context"
	"sync"
)

// Waiter is an untyped view of a [Future], useful for storing
// heterogeneous Future instances in a container.
type Waiter interface {
	// HasResult reports whether this Waiter has completed.
	HasResult() bool
	// Done returns a channel that is closed once this Waiter has completed.
	Done() <-chan struct{}
	// Err returns the error this Waiter completed with, if any.
	// Returns nil while the Waiter is still pending.
	Err() error
}

// Future is a single-producer result cell representing the outcome of an
// operation executing on another goroutine, typically the loop's dispatch
// goroutine. It is settled exactly once; later settles are no-ops.
//
// Unlike the rest of the loop's internals, a Future is safe for concurrent
// use: any number of goroutines may wait on it while another settles it.
type Future[ResType any] struct {
	mu        sync.Mutex
	done      chan struct{}
	result    ResType
	err       error
	callbacks []func(ResType, error)
}

// NewFuture returns a new [Future] instance ready to be awaited
// or populated with a result.
func NewFuture[ResType any]() *Future[ResType] {
	return &Future[ResType]{
		done: make(chan struct{}),
	}
}

// HasResult implements [Waiter].
func (f *Future[ResType]) HasResult() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done implements [Waiter].
func (f *Future[ResType]) Done() <-chan struct{} {
	return f.done
}

// Err implements [Waiter].
func (f *Future[ResType]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Result returns the result of this Future.
// If the Future has not yet been settled, [ErrNotReady] is returned.
func (f *Future[ResType]) Result() (ResType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settledLocked() {
		var zero ResType
		return zero, ErrNotReady
	}
	return f.result, f.err
}

// Wait blocks until the Future has been settled or the context is cancelled,
// and returns the Future's result.
func (f *Future[ResType]) Wait(ctx context.Context) (ResType, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero ResType
		return zero, ctx.Err()
	}
}

// AddResultCallback registers a callback to run once this Future is settled.
// If the Future already has a result, the callback runs immediately on the
// calling goroutine; otherwise it runs on the goroutine that settles the
// Future. Callbacks run in registration order.
func (f *Future[ResType]) AddResultCallback(callback func(result ResType, err error)) *Future[ResType] {
	f.mu.Lock()
	if !f.settledLocked() {
		f.callbacks = append(f.callbacks, callback)
		f.mu.Unlock()
		return f
	}
	result, err := f.result, f.err
	f.mu.Unlock()

	callback(result, err)
	return f
}

// SetResult populates this Future with a result and unblocks all waiters.
// Only the first call has any effect; SetResult reports whether it was
// the settling call.
func (f *Future[ResType]) SetResult(result ResType, err error) bool {
	f.mu.Lock()
	if f.settledLocked() {
		f.mu.Unlock()
		return false
	}
	f.result, f.err = result, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	// run callbacks outside the lock; a callback may inspect the future
	for _, callback := range callbacks {
		callback(result, err)
	}
	return true
}

func (f *Future[ResType]) settledLocked() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// WaitAll blocks until every given Waiter has completed or the context is
// cancelled. It returns the first error among the completed Waiters, if any.
func WaitAll(ctx context.Context, futs ...Waiter) error {
	for _, fut := range futs {
		select {
		case <-fut.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var firstErr error
	for _, fut := range futs {
		if err := fut.Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
