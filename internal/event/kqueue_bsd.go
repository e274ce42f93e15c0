//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package event

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	wantRead uint8 = 1 << iota
	wantWrite
)

type kqueue struct {
	fd       int
	interest map[int]uint8
	buf      []unix.Kevent_t
	out      []Event
}

// New creates the platform multiplexer.
func New() (Multiplexer, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(fd)
	return &kqueue{
		fd:       fd,
		interest: make(map[int]uint8),
		buf:      make([]unix.Kevent_t, maxEvents),
		out:      make([]Event, 0, maxEvents),
	}, nil
}

func (k *kqueue) change(fd, filter, flags int) error {
	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], fd, filter, flags)
	_, err := unix.Kevent(k.fd, changes, nil, nil)
	return err
}

func (k *kqueue) add(fd int, bit uint8, filter int) error {
	if k.interest[fd]&bit != 0 {
		return nil
	}
	if err := k.change(fd, filter, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		return fmt.Errorf("kevent add fd %d: %w", fd, err)
	}
	k.interest[fd] |= bit
	return nil
}

func (k *kqueue) remove(fd int, bit uint8, filter int) error {
	if k.interest[fd]&bit == 0 {
		return nil
	}
	k.interest[fd] &^= bit
	if k.interest[fd] == 0 {
		delete(k.interest, fd)
	}
	err := k.change(fd, filter, unix.EV_DELETE)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("kevent delete fd %d: %w", fd, err)
	}
	return nil
}

func (k *kqueue) AddReadEvent(fd int) error     { return k.add(fd, wantRead, unix.EVFILT_READ) }
func (k *kqueue) AddWriteEvent(fd int) error    { return k.add(fd, wantWrite, unix.EVFILT_WRITE) }
func (k *kqueue) RemoveReadEvent(fd int) error  { return k.remove(fd, wantRead, unix.EVFILT_READ) }
func (k *kqueue) RemoveWriteEvent(fd int) error { return k.remove(fd, wantWrite, unix.EVFILT_WRITE) }

func (k *kqueue) RemoveAllEvents(fd int) error {
	if err := k.RemoveReadEvent(fd); err != nil {
		return err
	}
	return k.RemoveWriteEvent(fd)
}

func (k *kqueue) Wait(timeout time.Duration) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(k.fd, nil, k.buf, ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			n = 0
		} else {
			return nil, fmt.Errorf("kevent: %w", err)
		}
	}

	k.out = k.out[:0]
	for i := 0; i < n; i++ {
		fd := int(k.buf[i].Ident)
		switch int(k.buf[i].Filter) {
		case unix.EVFILT_READ:
			k.out = append(k.out, Event{FD: fd, Type: Read})
		case unix.EVFILT_WRITE:
			k.out = append(k.out, Event{FD: fd, Type: Write})
		}
	}
	return k.out, nil
}

func (k *kqueue) Close() error {
	return unix.Close(k.fd)
}
