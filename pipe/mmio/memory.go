package mmio

import "fmt"

// Buffer is guest memory backed by a plain byte slice. Maps alias the
// slice directly, so transfers are zero-copy; Unmap is a no-op.
type Buffer []byte

func (m Buffer) Map(addr uint64, size int, write bool) ([]byte, error) {
	if size < 0 || addr > uint64(len(m)) {
		return nil, fmt.Errorf("pipe: map %#x+%d is outside guest memory", addr, size)
	}

	b := m[addr:]
	if len(b) > size {
		b = b[:size]
	}

	return b, nil
}

func (Buffer) Unmap(b []byte, dirty bool, access int) {}
