//go:build linux

package mmio

import "golang.org/x/sys/unix"

// IrqFD is an IrqLine backed by an eventfd registered with the
// hypervisor as an irqfd. Eventfd interrupts are edge-triggered:
// asserting writes the fd, deasserting is a no-op because the guest's
// interrupt controller handles the ack.
type IrqFD struct {
	FD int
}

func (l IrqFD) Set(high bool) error {
	if !high {
		return nil
	}

	_, err := unix.Write(l.FD, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	return err
}
