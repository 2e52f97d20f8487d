package tensorpipe

import (
	"runtime"
	"sync"
	"weak"
)

// EventHandler is a capability invoked by a [Loop] when a descriptor it is
// registered for reports a matching readiness condition. HandleEvents always
// runs on the loop's dispatch goroutine, never concurrently with other
// handler invocations or deferred functions on the same loop.
type EventHandler interface {
	HandleEvents(events EventMask)
}

// HandlerRef is a non-owning reference to an [EventHandler]. The loop's
// handler table stores only HandlerRefs, so it never keeps a handler alive
// past its owner's intent; dispatch resolves the reference transiently for
// the duration of a single invocation and skips it once it reports absence.
type HandlerRef interface {
	// Get resolves the reference. Returns nil once the handler is gone.
	Get() EventHandler
}

type weakRef[T any, PT interface {
	*T
	EventHandler
}] struct {
	p weak.Pointer[T]
}

func (r weakRef[T, PT]) Get() EventHandler {
	if p := r.p.Value(); p != nil {
		return PT(p)
	}
	return nil
}

// WeakRef returns a [HandlerRef] that does not keep h alive: once the
// owner's last reference is collected, Get resolves to nil and the loop
// will never invoke the handler again.
func WeakRef[T any, PT interface {
	*T
	EventHandler
}](h PT) HandlerRef {
	return weakRef[T, PT]{p: weak.Make((*T)(h))}
}

type strongRef struct {
	h EventHandler
}

func (r strongRef) Get() EventHandler { return r.h }

// StrongRef returns a [HandlerRef] that pins h for as long as it stays
// registered. The caller must unregister the descriptor explicitly.
func StrongRef(h EventHandler) HandlerRef {
	return strongRef{h: h}
}

// FunctionEventHandler binds a descriptor/interest-mask/callback triple to a
// [Loop]. The callback receives the handler itself, so a one-shot handler
// can cancel its own registration from within its invocation.
//
// The loop holds only a weak reference: whoever constructs the handler must
// keep it alive for as long as it should remain registered. If the owner
// drops it without calling Cancel, a finalizer cancels the registration once
// the handler is collected.
type FunctionEventHandler struct {
	loop   *Loop
	fd     int
	events EventMask
	fn     func(*FunctionEventHandler)

	mu        sync.Mutex
	cancelled bool
}

// NewFunctionEventHandler constructs a detached handler. It has no side
// effect on the loop until [FunctionEventHandler.Start] is called.
func NewFunctionEventHandler(loop *Loop, fd int, events EventMask, fn func(*FunctionEventHandler)) *FunctionEventHandler {
	h := &FunctionEventHandler{
		loop:   loop,
		fd:     fd,
		events: events,
		fn:     fn,
	}
	runtime.SetFinalizer(h, func(h *FunctionEventHandler) {
		_ = h.Cancel()
	})
	return h
}

// Start registers the handler with its loop. Must be called at most once;
// the handler is eligible for dispatch from the next readiness cycle onward.
func (h *FunctionEventHandler) Start() error {
	return h.loop.RegisterDescriptor(h.fd, h.events, WeakRef(h))
}

// Cancel unregisters the handler from its loop. It is idempotent: any
// number of calls, from any goroutines, including from within the handler's
// own callback, yield exactly one unregistration.
func (h *FunctionEventHandler) Cancel() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return nil
	}
	if err := h.loop.UnregisterDescriptor(h.fd); err != nil {
		return err
	}
	h.cancelled = true
	return nil
}

// HandleEvents implements [EventHandler]. The callback only runs when the
// reported bits intersect the handler's interest mask; the poller may report
// conditions the handler never asked for.
func (h *FunctionEventHandler) HandleEvents(events EventMask) {
	if events&h.events != 0 {
		h.fn(h)
	}
}
