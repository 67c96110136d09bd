package mmio

import "testing"

func TestBufferMap(t *testing.T) {
	m := make(Buffer, 16)

	t.Run("in range", func(t *testing.T) {
		b, err := m.Map(4, 8, true)
		if err != nil {
			t.Fatal(err)
		}

		if len(b) != 8 {
			t.Errorf("len %d != 8", len(b))
		}

		// maps alias guest memory
		b[0] = 0xaa
		if m[4] != 0xaa {
			t.Error("map does not alias the buffer")
		}
	})

	t.Run("short", func(t *testing.T) {
		b, err := m.Map(12, 8, false)
		if err != nil {
			t.Fatal(err)
		}

		if len(b) != 4 {
			t.Errorf("len %d != 4", len(b))
		}
	})

	t.Run("out of range", func(t *testing.T) {
		if _, err := m.Map(17, 1, false); err == nil {
			t.Error("no error")
		}
	})

	t.Run("negative size", func(t *testing.T) {
		if _, err := m.Map(0, -1, false); err == nil {
			t.Error("no error")
		}
	})
}
