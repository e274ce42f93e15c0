//go:build linux

package event

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	readMask  = unix.EPOLLIN | unix.EPOLLRDHUP
	writeMask = unix.EPOLLOUT
)

// epoll is level-triggered. Regular files cannot be registered with epoll
// (EPERM); they are always ready, so they are tracked aside and reported on
// every Wait.
type epoll struct {
	fd       int
	interest map[int]uint32
	always   map[int]uint32
	buf      []unix.EpollEvent
	out      []Event
}

// New creates the platform multiplexer.
func New() (Multiplexer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epoll{
		fd:       fd,
		interest: make(map[int]uint32),
		always:   make(map[int]uint32),
		buf:      make([]unix.EpollEvent, maxEvents),
		out:      make([]Event, 0, maxEvents),
	}, nil
}

func (e *epoll) mask(fd int) uint32 {
	if m, ok := e.always[fd]; ok {
		return m
	}
	return e.interest[fd]
}

func (e *epoll) set(fd int, mask uint32) error {
	if mask == 0 {
		return e.RemoveAllEvents(fd)
	}
	if _, ok := e.always[fd]; ok {
		e.always[fd] = mask
		return nil
	}
	old, registered := e.interest[fd]
	if registered && old == mask {
		return nil
	}

	op := unix.EPOLL_CTL_ADD
	if registered {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, op, fd, &ev); err != nil {
		if errors.Is(err, unix.EPERM) {
			e.always[fd] = mask
			return nil
		}
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	e.interest[fd] = mask
	return nil
}

func (e *epoll) AddReadEvent(fd int) error     { return e.set(fd, e.mask(fd)|readMask) }
func (e *epoll) AddWriteEvent(fd int) error    { return e.set(fd, e.mask(fd)|writeMask) }
func (e *epoll) RemoveReadEvent(fd int) error  { return e.set(fd, e.mask(fd)&^readMask) }
func (e *epoll) RemoveWriteEvent(fd int) error { return e.set(fd, e.mask(fd)&^writeMask) }

func (e *epoll) RemoveAllEvents(fd int) error {
	delete(e.always, fd)
	if _, ok := e.interest[fd]; !ok {
		return nil
	}
	delete(e.interest, fd)
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (e *epoll) Wait(timeout time.Duration) ([]Event, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}
	if len(e.always) > 0 {
		msec = 0
	}

	n, err := unix.EpollWait(e.fd, e.buf, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			n = 0
		} else {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
	}

	e.out = e.out[:0]
	for i := 0; i < n; i++ {
		fd := int(e.buf[i].Fd)
		got := e.buf[i].Events
		want := e.interest[fd]
		hangup := got&(unix.EPOLLHUP|unix.EPOLLERR) != 0
		if want&readMask != 0 && (got&readMask != 0 || hangup) {
			e.out = append(e.out, Event{FD: fd, Type: Read})
		}
		if want&writeMask != 0 && (got&writeMask != 0 || hangup) {
			e.out = append(e.out, Event{FD: fd, Type: Write})
		}
	}
	for fd, mask := range e.always {
		if mask&readMask != 0 {
			e.out = append(e.out, Event{FD: fd, Type: Read})
		}
		if mask&writeMask != 0 {
			e.out = append(e.out, Event{FD: fd, Type: Write})
		}
	}
	return e.out, nil
}

func (e *epoll) Close() error {
	return unix.Close(e.fd)
}
