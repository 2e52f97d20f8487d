//go:build linux

package tensorpipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

type readOp struct {
	buf []byte
	fut *Future[int]
}

type writeOp struct {
	buf []byte
	n   int
	fut *Future[int]
}

// Conn is a non-blocking unix-domain stream connection driven by a [Loop].
// Read and Write submit work onto the loop and return futures; the
// connection registers itself as its own event handler while operations are
// outstanding and unregisters once idle, so an idle connection never blocks
// loop shutdown.
type Conn struct {
	loop *Loop
	fd   *Fd
	id   string

	// confined to the dispatch goroutine: mutated only from Run closures
	// and from HandleEvents
	reads      []*readOp
	writes     []*writeOp
	registered bool
	closed     bool
}

func newConn(loop *Loop, fd *Fd) *Conn {
	c := &Conn{
		loop: loop,
		fd:   fd,
		id:   uuid.NewString(),
	}
	runtime.SetFinalizer(c, func(c *Conn) { _ = c.Close() })
	return c
}

// ID returns the connection's session identifier.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn %s (fd %d)", c.id, c.fd.Raw())
}

// Read submits a read of up to len(p) bytes. The returned future settles
// with the number of bytes read once the descriptor becomes readable, with
// [io.EOF] at end of stream. Reads complete in submission order.
func (c *Conn) Read(p []byte) *Future[int] {
	fut := NewFuture[int]()
	c.loop.Run(func() error {
		if c.closed {
			fut.SetResult(0, net.ErrClosed)
			return nil
		}
		c.reads = append(c.reads, &readOp{buf: p, fut: fut})
		c.updateRegistration()
		return nil
	}).AddResultCallback(func(_ any, err error) {
		if err != nil {
			fut.SetResult(0, err)
		}
	})
	return fut
}

// Write submits a write of all of p. The returned future settles with the
// number of bytes written once the whole buffer has been flushed, or with
// the error that interrupted the write. Writes complete in submission order.
func (c *Conn) Write(p []byte) *Future[int] {
	fut := NewFuture[int]()
	c.loop.Run(func() error {
		if c.closed {
			fut.SetResult(0, net.ErrClosed)
			return nil
		}
		c.writes = append(c.writes, &writeOp{buf: p, fut: fut})
		c.updateRegistration()
		return nil
	}).AddResultCallback(func(_ any, err error) {
		if err != nil {
			fut.SetResult(0, err)
		}
	})
	return fut
}

// Close tears the connection down on the dispatch goroutine: outstanding
// operations settle with [net.ErrClosed] and the descriptor is closed.
// Close must not be called from within a handler callback or a deferred
// function, as it waits for the loop to execute the teardown.
func (c *Conn) Close() error {
	fut := c.loop.Run(func() error {
		if c.closed {
			return nil
		}
		c.closed = true
		if c.registered {
			c.registered = false
			if err := c.loop.UnregisterDescriptor(c.fd.Raw()); err != nil {
				return err
			}
		}
		c.failOps(net.ErrClosed)
		return c.fd.Close()
	})
	<-fut.Done()
	err := fut.Err()
	if err != nil && c.loop.Err() != nil {
		// the loop can no longer run the teardown; release the fd here
		if c.closed {
			return nil
		}
		c.closed = true
		return c.fd.Close()
	}
	return err
}

// HandleEvents implements [EventHandler]. Runs on the dispatch goroutine.
func (c *Conn) HandleEvents(events EventMask) {
	if events&(EventIn|EventErr|EventHup) != 0 {
		c.processReads()
	}
	if events&(EventOut|EventErr|EventHup) != 0 {
		c.processWrites()
	}
	c.updateRegistration()
}

func (c *Conn) processReads() {
	for len(c.reads) > 0 {
		op := c.reads[0]
		n, err := c.fd.Read(op.buf)
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		c.reads = c.reads[1:]
		op.fut.SetResult(n, err)
	}
}

func (c *Conn) processWrites() {
	for len(c.writes) > 0 {
		op := c.writes[0]
		var opErr error
		for op.n < len(op.buf) {
			n, err := c.fd.Write(op.buf[op.n:])
			op.n += n
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			if err != nil {
				opErr = err
				break
			}
		}
		c.writes = c.writes[1:]
		op.fut.SetResult(op.n, opErr)
	}
}

// updateRegistration keeps the loop registration in sync with the pending
// operation queues: readable interest while reads are queued, writable
// interest while writes are queued, no registration at all when idle.
// Re-registration replaces the interest set in place.
func (c *Conn) updateRegistration() {
	if c.closed {
		return
	}
	var events EventMask
	if len(c.reads) > 0 {
		events |= EventIn
	}
	if len(c.writes) > 0 {
		events |= EventOut
	}

	if events == 0 {
		if c.registered {
			c.registered = false
			if err := c.loop.UnregisterDescriptor(c.fd.Raw()); err != nil {
				c.failOps(err)
			}
		}
		return
	}
	if err := c.loop.RegisterDescriptor(c.fd.Raw(), events|EventErr|EventHup, WeakRef(c)); err != nil {
		c.failOps(err)
		return
	}
	c.registered = true
}

func (c *Conn) failOps(err error) {
	for _, op := range c.reads {
		op.fut.SetResult(0, err)
	}
	for _, op := range c.writes {
		op.fut.SetResult(op.n, err)
	}
	c.reads, c.writes = nil, nil
}

// Dial connects to the unix-domain socket at path and binds the resulting
// connection to the loop. A connect that cannot complete immediately waits
// for writability through a one-shot handler on the loop.
func Dial(ctx context.Context, loop *Loop, path string) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
	if errors.Is(err, unix.EINPROGRESS) {
		fut := NewFuture[any]()
		h := NewFunctionEventHandler(loop, fd, EventOut|EventErr|EventHup, func(h *FunctionEventHandler) {
			_ = h.Cancel()
			soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			switch {
			case gerr != nil:
				fut.SetResult(nil, fmt.Errorf("getsockopt: %w", gerr))
			case soerr != 0:
				fut.SetResult(nil, unix.Errno(soerr))
			default:
				fut.SetResult(nil, nil)
			}
		})
		if err := h.Start(); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
		if _, err := fut.Wait(ctx); err != nil {
			_ = h.Cancel()
			_ = unix.Close(fd)
			return nil, fmt.Errorf("connect %s: %w", path, err)
		}
		// the loop only holds a weak reference to h
		runtime.KeepAlive(h)
	} else if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}

	return newConn(loop, NewFd(fd)), nil
}
