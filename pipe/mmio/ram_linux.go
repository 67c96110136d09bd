//go:build linux

package mmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RAM is guest memory allocated with an anonymous mmap, suitable for
// handing to KVM as a userspace memory region and to the pipe device
// as its Memory capability.
type RAM struct {
	b []byte
}

// AllocRAM allocates size bytes of guest memory.
// size must be a multiple of the host page size.
func AllocRAM(size int) (*RAM, error) {
	if pgsz := os.Getpagesize(); size <= 0 || size%pgsz != 0 {
		return nil, fmt.Errorf("pipe: RAM size must be a positive multiple of the host page size (%d)", pgsz)
	}

	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("pipe: RAM allocation failed: %w", err)
	}

	return &RAM{b: b}, nil
}

// Bytes returns the backing memory, e.g. for mapping into a VM.
func (r *RAM) Bytes() []byte {
	return r.b
}

func (r *RAM) Map(addr uint64, size int, write bool) ([]byte, error) {
	return Buffer(r.b).Map(addr, size, write)
}

func (r *RAM) Unmap(b []byte, dirty bool, access int) {}

// Close releases the memory. Outstanding maps become invalid.
func (r *RAM) Close() error {
	if r.b == nil {
		return nil
	}

	err := unix.Munmap(r.b)
	r.b = nil

	return err
}
