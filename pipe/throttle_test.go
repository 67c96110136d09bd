package pipe

import (
	"testing"
	"time"
)

func TestThrottleDelaysReads(t *testing.T) {
	w := newTestWaker()

	// 100 B/s: 100 bytes take a full second of transit
	h, err := (&Throttle{Rate: 100}).Open(w)
	if err != nil {
		t.Fatal(err)
	}

	defer h.Close()

	h.WakeOn(WakeRead)

	if n, err := h.Send([][]byte{make([]byte, 100)}); n != 100 || err != nil {
		t.Fatalf("send: n=%d err=%v", n, err)
	}

	// the bytes are in transit
	if _, err := h.Recv([][]byte{make([]byte, 100)}); err != ErrAgain {
		t.Errorf("recv in transit: err %v != %v", err, ErrAgain)
	}

	if p := h.Poll(); p&PollIn != 0 {
		t.Errorf("poll in transit reports readable (%#x)", p)
	}

	select {
	case f := <-w.wakeC:
		if f&WakeRead == 0 {
			t.Errorf("wake flags %#x have no read bit", f)
		}

	case <-time.After(5 * time.Second):
		t.Fatal("no wake after transit")
	}

	buf := make([]byte, 100)
	n, err := h.Recv([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}

	if n != 100 {
		t.Errorf("recv n=%d != 100", n)
	}
}

func TestThrottleFastLink(t *testing.T) {
	w := newTestWaker()

	// at the default rate a few bytes clear transit almost at once
	h, err := new(Throttle).Open(w)
	if err != nil {
		t.Fatal(err)
	}

	defer h.Close()

	if n, err := h.Send([][]byte{[]byte("ok")}); n != 2 || err != nil {
		t.Fatalf("send: n=%d err=%v", n, err)
	}

	deadline := time.Now().Add(5 * time.Second)

	for {
		buf := make([]byte, 2)
		n, err := h.Recv([][]byte{buf})

		if err == nil {
			if n != 2 || string(buf) != "ok" {
				t.Errorf("recv n=%d %q", n, buf[:n])
			}

			return
		}

		if err != ErrAgain {
			t.Fatal(err)
		}

		if time.Now().After(deadline) {
			t.Fatal("bytes never cleared transit")
		}

		time.Sleep(time.Millisecond)
	}
}

func TestThrottleCloseStopsTimer(t *testing.T) {
	w := newTestWaker()

	// 1000 B/s: the 10 bytes clear transit well inside the wait below
	h, err := (&Throttle{Rate: 1000}).Open(w)
	if err != nil {
		t.Fatal(err)
	}

	h.WakeOn(WakeRead)

	if _, err := h.Send([][]byte{make([]byte, 10)}); err != nil {
		t.Fatal(err)
	}

	h.Close()

	select {
	case <-w.wakeC:
		t.Error("wake delivered after close")

	case <-time.After(50 * time.Millisecond):
	}
}
