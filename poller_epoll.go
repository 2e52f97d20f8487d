//go:build linux

package tensorpipe

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller implements [Poller] using Linux epoll(7) plus an eventfd(2)
// used purely to interrupt a blocked epoll_wait.
type epollPoller struct {
	epfd  int
	waker *Fd
	raw   []unix.EpollEvent
}

// NewPoller constructs the platform readiness poller.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	// eventfd for waking up the poller from another goroutine
	wakerFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &epollPoller{
		epfd:  epfd,
		waker: NewFd(wakerFd),
	}
	if err := p.Add(wakerFd, EventIn); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Add implements [Poller]. An already registered descriptor is modified
// in place, so re-registration with a different interest set is idempotent.
func (p *epollPoller) Add(fd int, events EventMask) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	if errors.Is(err, unix.EEXIST) {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Del implements [Poller].
func (p *epollPoller) Del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait implements [Poller]. Readiness of the wakeup eventfd is consumed
// here and never reported to the caller.
func (p *epollPoller) Wait(events []Event) (int, error) {
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	for {
		n, err := unix.EpollWait(p.epfd, raw, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("epoll wait: %w", err)
		}

		out := 0
		for i := 0; i < n; i++ {
			fd := int(raw[i].Fd)
			if fd == p.waker.Raw() {
				p.drainWaker()
				continue
			}
			events[out] = Event{Fd: fd, Events: fromEpoll(raw[i].Events)}
			out++
		}
		return out, nil
	}
}

// Wakeup implements [Poller].
func (p *epollPoller) Wakeup() error {
	if err := p.waker.WriteUint64(1); err != nil {
		// EAGAIN means the counter is saturated; a wakeup is already pending.
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *epollPoller) drainWaker() {
	// reading resets the eventfd counter; EAGAIN ends the drain
	for {
		if _, err := p.waker.ReadUint64(); err != nil {
			return
		}
	}
}

// Close implements [Poller].
func (p *epollPoller) Close() error {
	err := p.waker.Close()
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	return err
}

func toEpoll(events EventMask) uint32 {
	var raw uint32
	if events&EventIn != 0 {
		raw |= unix.EPOLLIN
	}
	if events&EventOut != 0 {
		raw |= unix.EPOLLOUT
	}
	if events&EventErr != 0 {
		raw |= unix.EPOLLERR
	}
	if events&EventHup != 0 {
		raw |= unix.EPOLLHUP
	}
	return raw
}

func fromEpoll(raw uint32) EventMask {
	var events EventMask
	if raw&unix.EPOLLIN != 0 {
		events |= EventIn
	}
	if raw&unix.EPOLLOUT != 0 {
		events |= EventOut
	}
	if raw&unix.EPOLLERR != 0 {
		events |= EventErr
	}
	if raw&unix.EPOLLHUP != 0 {
		events |= EventHup
	}
	return events
}
