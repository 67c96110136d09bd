package pipe

import (
	"errors"
	"testing"
)

func TestErrorStrings(t *testing.T) {
	for _, tc := range []struct {
		err  Error
		want string
	}{
		{ErrInval, "pipe: invalid argument"},
		{ErrAgain, "pipe: try again"},
		{ErrNomem, "pipe: out of memory"},
		{ErrIO, "pipe: i/o error"},
		{Error(-42), "pipe: error -42"},
	} {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("%d: %q != %q", int32(tc.err), got, tc.want)
		}
	}
}

func TestStatus(t *testing.T) {
	for _, tc := range []struct {
		name string
		n    int
		err  error
		want int32
	}{
		{"ok", 42, nil, 42},
		{"zero", 0, nil, 0},
		{"pipe error", 7, ErrAgain, -2},
		{"other error", 7, errors.New("broken"), int32(ErrIO)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Status(tc.n, tc.err); got != tc.want {
				t.Errorf("status %d != %d", got, tc.want)
			}
		})
	}
}

func TestRegistryRegister(t *testing.T) {
	r := new(Registry)

	if err := r.Register("zero", Zero{}); err != nil {
		t.Fatal(err)
	}

	if err := r.Register("zero", Zero{}); err == nil {
		t.Error("no error on duplicate name")
	}

	if err := r.Register("", Zero{}); err == nil {
		t.Error("no error on empty name")
	}

	long := make([]byte, maxServiceName+1)
	for i := range long {
		long[i] = 'x'
	}

	if err := r.Register(string(long), Zero{}); err == nil {
		t.Error("no error on oversized name")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := new(Registry)

	if err := r.Register("adb", PingPong{}); err != nil {
		t.Fatal(err)
	}

	if r.lookup("adb") == nil {
		t.Error("exact name not found")
	}

	// "name:args" falls back to the bare name
	if r.lookup("adb:shell") == nil {
		t.Error("name with args not found")
	}

	if r.lookup("nope") != nil {
		t.Error("unknown name found")
	}
}
