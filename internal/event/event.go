// Package event wraps the OS readiness primitive (epoll or kqueue) behind a
// small interface the connection engine arms and disarms per descriptor.
package event

import "time"

// Type is the kind of readiness an event reports, or the interest a
// descriptor is registered for.
type Type uint8

// Event types. None is the neutral type used to drive a builder step that
// was not triggered by readiness.
const (
	None Type = iota
	Read
	Write
)

func (t Type) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "none"
	}
}

// Event is one readiness notification.
type Event struct {
	FD   int
	Type Type
}

// Multiplexer arms and disarms readiness interest per descriptor and waits
// for notifications. Implementations are not safe for concurrent use; the
// event loop is their only caller.
type Multiplexer interface {
	AddReadEvent(fd int) error
	AddWriteEvent(fd int) error
	RemoveReadEvent(fd int) error
	RemoveWriteEvent(fd int) error
	// RemoveAllEvents drops every interest registered for fd. Removing an
	// unknown or already closed descriptor is not an error.
	RemoveAllEvents(fd int) error
	// Wait blocks up to timeout, a negative timeout blocking indefinitely.
	// The returned slice is reused by the next call.
	Wait(timeout time.Duration) ([]Event, error)
	Close() error
}

const maxEvents = 128
