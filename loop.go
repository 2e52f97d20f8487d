package tensorpipe

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// maxEventsPerWait is the size of the readiness batch collected per wait call.
const maxEventsPerWait = 64

// pendingFn is one unit of deferred work plus the result cell it settles.
type pendingFn struct {
	fn  func() error
	fut *Future[any]
}

func (p *pendingFn) run() {
	defer func() {
		if r := recover(); r != nil {
			p.fut.SetResult(nil, fmt.Errorf("deferred function panicked: %v", r))
		}
	}()
	p.fut.SetResult(nil, p.fn())
}

// Loop multiplexes readiness events on registered descriptors and serializes
// arbitrary cross-goroutine work onto a single background dispatch goroutine.
// All handler invocations and deferred functions run on that goroutine,
// sequentially, never concurrently with each other.
//
// RegisterDescriptor, UnregisterDescriptor, Run and Wakeup are safe for
// concurrent use from any goroutine, including the dispatch goroutine itself.
type Loop struct {
	poller Poller

	// mu guards handlers and handlerCount, and nothing else. It is never
	// held while a handler or a deferred function is executing.
	mu           sync.Mutex
	handlers     []HandlerRef
	handlerCount int

	// fnMu guards fns and failure, independently of mu, so work submission
	// never contends with descriptor management.
	fnMu    sync.Mutex
	fns     *queue.Queue
	failure error

	stopping atomic.Bool
	joined   atomic.Bool
	done     chan struct{}
}

// NewLoop acquires the readiness poller and its self-signaling descriptor
// and starts the background dispatch goroutine.
func NewLoop() (*Loop, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		poller: poller,
		fns:    queue.New(),
		done:   make(chan struct{}),
	}
	runtime.SetFinalizer(l, func(l *Loop) {
		if !l.joined.Load() {
			slog.Error("event loop dropped without Join")
		}
	})
	go l.loop()
	return l, nil
}

// RegisterDescriptor registers a non-owning handler reference for the
// descriptor and adds it to the poller with the given interest set.
// Re-registering a descriptor that already has a handler replaces both the
// reference and the interest set; at most one handler per descriptor.
func (l *Loop) RegisterDescriptor(fd int, events EventMask, ref HandlerRef) error {
	l.mu.Lock()
	if fd >= len(l.handlers) {
		l.handlers = append(l.handlers, make([]HandlerRef, fd+1-len(l.handlers))...)
	}
	if l.handlers[fd] == nil {
		l.handlerCount++
	}
	l.handlers[fd] = ref
	l.mu.Unlock()

	return l.poller.Add(fd, events)
}

// UnregisterDescriptor removes the descriptor from the poller and clears its
// handler table entry. It may be called from any goroutine, including from
// within a handler's own callback. Unregistering a descriptor that is not
// registered with the poller is an error.
func (l *Loop) UnregisterDescriptor(fd int) error {
	if err := l.poller.Del(fd); err != nil {
		return err
	}

	l.mu.Lock()
	if fd < len(l.handlers) && l.handlers[fd] != nil {
		l.handlers[fd] = nil
		l.handlerCount--
	}
	l.mu.Unlock()
	return nil
}

// Run submits fn for execution on the dispatch goroutine and returns
// immediately. The returned future settles to nil once fn has completed on
// the dispatch goroutine, or to the error fn returned or panicked with.
// If the loop has stopped, the future is already settled with the loop's
// terminal error.
func (l *Loop) Run(fn func() error) *Future[any] {
	fut := NewFuture[any]()

	l.fnMu.Lock()
	if l.failure != nil {
		err := l.failure
		l.fnMu.Unlock()
		fut.SetResult(nil, err)
		return fut
	}
	l.fns.Add(&pendingFn{fn: fn, fut: fut})
	l.fnMu.Unlock()

	if err := l.Wakeup(); err != nil {
		slog.Warn("could not wake up event loop", slog.Any("error", err))
	}
	return fut
}

// Wakeup interrupts the dispatch goroutine's blocked wait. Safe to call from
// any goroutine at any time.
func (l *Loop) Wakeup() error {
	return l.poller.Wakeup()
}

// Err returns the loop's terminal error: nil while the loop is running,
// [ErrLoopStopped] after a clean stop, or the fatal wait error that
// terminated dispatch.
func (l *Loop) Err() error {
	l.fnMu.Lock()
	defer l.fnMu.Unlock()
	return l.failure
}

// Join asks the loop to stop, blocks until the dispatch goroutine has
// exited, then releases the poller handles. The loop keeps dispatching until
// no handlers remain registered, so all owned handlers must be cancelled
// before or concurrently with Join. Join must be called exactly once, and
// must have completed before the loop is dropped.
func (l *Loop) Join() error {
	l.stopping.Store(true)
	if err := l.Wakeup(); err != nil {
		slog.Warn("could not wake up event loop", slog.Any("error", err))
	}
	<-l.done

	err := l.Err()
	if errors.Is(err, ErrLoopStopped) {
		err = nil
	}
	closeErr := l.poller.Close()
	if err == nil {
		err = closeErr
	}
	l.joined.Store(true)
	return err
}

// loop is the dispatch goroutine body: wait for readiness, dispatch events
// to registered handlers, drain the deferred queue, repeat. It exits only
// once stopping has been requested and no handlers remain registered, or on
// a fatal wait error.
func (l *Loop) loop() {
	defer close(l.done)
	defer l.fail(ErrLoopStopped)

	events := make([]Event, maxEventsPerWait)
	for {
		n, err := l.poller.Wait(events)
		if err != nil {
			l.fail(fmt.Errorf("readiness wait: %w", err))
			return
		}

		l.mu.Lock()
		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.Fd >= len(l.handlers) || l.handlers[ev.Fd] == nil {
				continue
			}
			h := l.handlers[ev.Fd].Get()
			if h == nil {
				// the handler's owner dropped it; skip
				continue
			}
			// invoke with the table lock released: the callback may
			// register, unregister or cancel, including itself
			l.mu.Unlock()
			h.HandleEvents(ev.Events)
			l.mu.Lock()
		}
		l.mu.Unlock()

		l.drainPending()

		l.mu.Lock()
		count := l.handlerCount
		l.mu.Unlock()
		if l.stopping.Load() && count == 0 {
			return
		}
	}
}

// drainPending repeatedly swaps the whole pending queue out and executes it
// until a swap yields nothing. Executing a unit of work may submit more
// work; the repetition guarantees none of it is left behind when the drain
// reports complete.
func (l *Loop) drainPending() {
	l.fnMu.Lock()
	for l.fns.Length() > 0 {
		batch := l.fns
		l.fns = queue.New()
		l.fnMu.Unlock()

		for batch.Length() > 0 {
			p := batch.Remove().(*pendingFn)
			p.run()
		}

		l.fnMu.Lock()
	}
	l.fnMu.Unlock()
}

// fail records the loop's terminal error and settles every queued unit of
// work with it, so no caller is left waiting on a future that can no longer
// be settled by the dispatch goroutine.
func (l *Loop) fail(err error) {
	l.fnMu.Lock()
	if l.failure == nil {
		l.failure = err
	}
	for l.fns.Length() > 0 {
		p := l.fns.Remove().(*pendingFn)
		p.fut.SetResult(nil, l.failure)
	}
	l.fnMu.Unlock()
}
