package tensorpipe

// EventMask is a platform-neutral bitmask of readiness conditions.
type EventMask uint32

const (
	// EventIn indicates the descriptor is readable.
	EventIn EventMask = 1 << iota
	// EventOut indicates the descriptor is writable.
	EventOut
	// EventErr indicates an error condition on the descriptor.
	EventErr
	// EventHup indicates the peer hung up.
	EventHup
)

// Event is a single readiness report produced by a [Poller].
type Event struct {
	Fd     int
	Events EventMask
}

// Poller is the OS readiness-notification facility backing a [Loop]:
// it multiplexes interest registrations over a set of descriptors and owns
// the self-signaling descriptor used to interrupt a blocked Wait on demand.
type Poller interface {
	// Add registers the descriptor for the given readiness conditions.
	// Re-adding an already registered descriptor atomically replaces
	// its interest set instead of failing.
	Add(fd int, events EventMask) error
	// Del removes the descriptor's registration. Deleting a descriptor
	// that is not registered is an error.
	Del(fd int) error
	// Wait blocks until at least one registered descriptor is ready or
	// [Poller.Wakeup] is called, and fills events with the readiness
	// reports. Transient signal interrupts are retried internally and
	// never surfaced. Wait may return 0 events after a wakeup.
	Wait(events []Event) (n int, err error)
	// Wakeup interrupts a blocked Wait. Safe to call from any goroutine,
	// any number of times, including concurrently with Wait.
	Wakeup() error
	// Close releases the poller's handles.
	Close() error
}
