package pipe

import (
	"net"
	"testing"
	"time"
)

// openStream opens a stream handler bridged to an in-memory conn and
// returns the host end.
func openStream(t *testing.T, cfg Stream) (Handler, net.Conn, *testWaker) {
	t.Helper()

	local, remote := net.Pipe()

	cfg.Dial = func() (net.Conn, error) {
		return local, nil
	}

	w := newTestWaker()

	h, err := cfg.Open(w)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		h.Close()
		remote.Close()
	})

	return h, remote, w
}

func TestStreamNoDialer(t *testing.T) {
	if _, err := new(Stream).Open(newTestWaker()); err == nil {
		t.Error("no error")
	}
}

func TestStreamGuestToHost(t *testing.T) {
	h, remote, _ := openStream(t, Stream{})

	if n, err := h.Send([][]byte{[]byte("hel"), []byte("lo")}); n != 5 || err != nil {
		t.Fatalf("send: n=%d err=%v", n, err)
	}

	remote.SetReadDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 8)
	n, err := remote.Read(buf)
	if err != nil {
		t.Fatal(err)
	}

	if string(buf[:n]) != "hello" {
		t.Errorf("host read %q != \"hello\"", buf[:n])
	}
}

func TestStreamHostToGuest(t *testing.T) {
	h, remote, w := openStream(t, Stream{})

	h.WakeOn(WakeRead)

	remote.SetWriteDeadline(time.Now().Add(5 * time.Second))

	if _, err := remote.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-w.wakeC:
		if f&WakeRead == 0 {
			t.Errorf("wake flags %#x have no read bit", f)
		}

	case <-time.After(5 * time.Second):
		t.Fatal("no wake for host bytes")
	}

	buf := make([]byte, 8)
	n, err := h.Recv([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}

	if string(buf[:n]) != "hi" {
		t.Errorf("recv %q != \"hi\"", buf[:n])
	}
}

func TestStreamBackpressure(t *testing.T) {
	h, remote, _ := openStream(t, Stream{BufSize: 4})

	// the host end isn't reading, so writes back up: a buffer's worth
	// queues in the handler, a chunk stalls in the tx pump, and then
	// the guest hears ErrAgain
	var accepted int
	for {
		n, err := h.Send([][]byte{[]byte("z")})
		if err == ErrAgain {
			break
		}

		if err != nil {
			t.Fatal(err)
		}

		accepted += n

		if accepted > 64 {
			t.Fatal("the buffer never filled")
		}
	}

	// draining the host end recovers every accepted byte
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 64)
	for got := 0; got < accepted; {
		n, err := remote.Read(buf)
		if err != nil {
			t.Fatal(err)
		}

		got += n
	}
}

func TestStreamHostClose(t *testing.T) {
	h, remote, w := openStream(t, Stream{})

	remote.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !w.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("host close never reached the waker")
		}

		time.Sleep(time.Millisecond)
	}

	if _, err := h.Recv([][]byte{make([]byte, 4)}); err != ErrIO {
		t.Errorf("recv after close: err %v != %v", err, ErrIO)
	}

	if p := h.Poll(); p&PollHup == 0 {
		t.Errorf("poll %#x has no hup bit", p)
	}
}
