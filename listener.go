//go:build linux

package tensorpipe

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// Listener accepts unix-domain stream connections through a [Loop]. Each
// pending accept is a one-shot [FunctionEventHandler] on the listening
// descriptor that cancels itself from within its own invocation.
type Listener struct {
	loop *Loop
	fd   *Fd
	path string

	mu         sync.Mutex
	pending    *FunctionEventHandler
	pendingFut *Future[*Conn]
}

// Listen binds and listens on the unix-domain socket at path.
func Listen(loop *Loop, path string) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &Listener{
		loop: loop,
		fd:   NewFd(fd),
		path: path,
	}, nil
}

// Addr returns the socket path the listener is bound to.
func (l *Listener) Addr() string {
	return l.path
}

// Accept arms a one-shot readability handler on the listening descriptor
// and returns a future that settles with the next accepted connection.
// Only one accept may be outstanding at a time; a second concurrent call
// settles immediately with [ErrAcceptPending].
func (l *Listener) Accept() *Future[*Conn] {
	fut := NewFuture[*Conn]()

	l.mu.Lock()
	if l.pending != nil {
		l.mu.Unlock()
		fut.SetResult(nil, ErrAcceptPending)
		return fut
	}

	h := NewFunctionEventHandler(l.loop, l.fd.Raw(), EventIn, func(h *FunctionEventHandler) {
		nfd, _, err := unix.Accept4(l.fd.Raw(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EAGAIN) {
			// spurious readiness; stay registered for the next event
			return
		}
		_ = h.Cancel()

		l.mu.Lock()
		l.pending, l.pendingFut = nil, nil
		l.mu.Unlock()

		if err != nil {
			fut.SetResult(nil, fmt.Errorf("accept: %w", err))
			return
		}
		fut.SetResult(newConn(l.loop, NewFd(nfd)), nil)
	})
	l.pending, l.pendingFut = h, fut
	l.mu.Unlock()

	if err := h.Start(); err != nil {
		l.mu.Lock()
		l.pending, l.pendingFut = nil, nil
		l.mu.Unlock()
		fut.SetResult(nil, err)
	}
	return fut
}

// Close cancels any outstanding accept, settles its future with
// [net.ErrClosed], closes the listening descriptor and removes the socket
// file.
func (l *Listener) Close() error {
	l.mu.Lock()
	h, fut := l.pending, l.pendingFut
	l.pending, l.pendingFut = nil, nil
	l.mu.Unlock()

	var err error
	if h != nil {
		err = h.Cancel()
		fut.SetResult(nil, net.ErrClosed)
	}
	if cerr := l.fd.Close(); err == nil {
		err = cerr
	}
	_ = unix.Unlink(l.path)
	return err
}
