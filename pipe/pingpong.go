package pipe

import "sync"

// PingPong echoes: bytes the guest writes come back on the next read,
// in order. The buffer grows without bound, so writes always succeed.
type PingPong struct{}

func (PingPong) Open(w Waker) (Handler, error) {
	return &pingPongHandler{w: w}, nil
}

type pingPongHandler struct {
	w Waker

	mu   sync.Mutex
	buf  []byte
	want Wake
}

func (h *pingPongHandler) Send(bufs [][]byte) (int, error) {
	h.mu.Lock()

	var n int
	for _, b := range bufs {
		h.buf = append(h.buf, b...)
		n += len(b)
	}

	wake := h.want&WakeRead != 0 && len(h.buf) > 0
	h.mu.Unlock()

	if wake {
		h.w.Wake(WakeRead)
	}

	return n, nil
}

func (h *pingPongHandler) Recv(bufs [][]byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.buf) == 0 {
		return 0, ErrAgain
	}

	var n int
	for _, b := range bufs {
		c := copy(b, h.buf)
		h.buf = h.buf[c:]
		n += c

		if len(h.buf) == 0 {
			break
		}
	}

	return n, nil
}

func (h *pingPongHandler) Poll() Poll {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := PollOut
	if len(h.buf) > 0 {
		p |= PollIn
	}

	return p
}

func (h *pingPongHandler) WakeOn(want Wake) {
	h.mu.Lock()
	h.want = want
	wake := want&WakeRead != 0 && len(h.buf) > 0
	h.mu.Unlock()

	if wake {
		h.w.Wake(WakeRead)
	}
}

func (h *pingPongHandler) Close() {}
