// Package pipe implements host-side services for the virtual pipe
// device, along with the interfaces that bind a service to a channel.
//
// A channel is one logical pipe between a guest-side file handle and a
// host-side service instance. The device (see the mmio package) opens
// a Handler for every channel and moves bytes between it and guest
// memory; the handler signals readiness back through its Waker.
package pipe

import (
	"errors"
	"fmt"
)

// Wake flags describe which state transitions the host surfaces to
// the guest. The values are part of the guest kernel driver ABI.
type Wake uint8

const (
	WakeClosed Wake = 1 << 0 // the channel was closed by the host
	WakeRead   Wake = 1 << 1 // the channel has bytes to read
	WakeWrite  Wake = 1 << 2 // the channel can accept bytes
)

// Poll flags report the instantaneous readiness of a channel.
// The values are part of the guest kernel driver ABI.
type Poll uint8

const (
	PollIn  Poll = 1 << 0 // reading won't block
	PollOut Poll = 1 << 1 // writing won't block
	PollHup Poll = 1 << 2 // the other end is gone
)

// Error is a status code reported to the guest through the device's
// status register. The wire values are small negative integers.
type Error int32

const (
	ErrInval Error = -1 // invalid channel, argument, or state
	ErrAgain Error = -2 // retry after the next wake
	ErrNomem Error = -3 // out of memory
	ErrIO    Error = -4 // the channel is closed
)

// Handler is one side of an open channel. The device calls Recv when
// the guest reads and Send when the guest writes; bufs is a
// scatter/gather vector over guest memory, valid only for the call.
//
// Handler methods must not block: a handler that can't make progress
// returns ErrAgain and delivers a wake later. They may be called
// concurrently with wakes from other goroutines, but never with each
// other.
type Handler interface {

	// Recv fills bufs with bytes flowing host to guest.
	Recv(bufs [][]byte) (int, error)

	// Send consumes bytes flowing guest to host.
	Send(bufs [][]byte) (int, error)

	// Poll reports the channel's current readiness.
	Poll() Poll

	// WakeOn tells the handler which wakes the guest is waiting for.
	// The mask is cumulative: it includes flags already pending.
	WakeOn(want Wake)

	// Close releases the handler. It is called exactly once, when the
	// guest closes the channel or the device is torn down.
	Close()
}

// Waker is the handler's upcall path into the device. Both methods
// are safe to call from any goroutine at any time, including from
// inside a Handler method.
type Waker interface {

	// Wake tells the guest that the channel changed state.
	Wake(flags Wake)

	// CloseFromHost closes the channel from the host side. The guest
	// observes a final WakeClosed and must still issue a close of its
	// own to release the channel.
	CloseFromHost()
}

// A Service opens a new Handler for each channel bound to it.
type Service interface {
	Open(w Waker) (Handler, error)
}

func (e Error) Error() string {
	switch e {
	case ErrInval:
		return "pipe: invalid argument"

	case ErrAgain:
		return "pipe: try again"

	case ErrNomem:
		return "pipe: out of memory"

	case ErrIO:
		return "pipe: i/o error"

	default:
		return fmt.Sprintf("pipe: error %d", int32(e))
	}
}

// Status converts a transfer result to the signed value written to
// the guest-visible status register: the byte count on success, or
// the wire value of the error. Errors without a wire value are
// reported as ErrIO.
func Status(n int, err error) int32 {
	if err == nil {
		return int32(n)
	}

	var e Error
	if errors.As(err, &e) {
		return int32(e)
	}

	return int32(ErrIO)
}
