package pipe

import (
	"sync"
	"time"
)

// Throttle echoes like PingPong but models a limited-bandwidth link:
// bytes the guest writes only become readable after they have "spent"
// len/Rate seconds in transit, and the readable wake is delayed to
// match.
type Throttle struct {

	// Rate is the link speed in bytes per second.
	// If Rate is 0, the link runs at 1 MiB/s.
	Rate int
}

const defaultThrottleRate = 1 << 20

func (t *Throttle) Open(w Waker) (Handler, error) {
	rate := t.Rate
	if rate == 0 {
		rate = defaultThrottleRate
	}

	return &throttleHandler{w: w, rate: rate}, nil
}

type throttleHandler struct {
	w    Waker
	rate int

	mu      sync.Mutex
	buf     []byte
	want    Wake
	readyAt time.Time
	timer   *time.Timer
	closed  bool
}

func (h *throttleHandler) Send(bufs [][]byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var n int
	for _, b := range bufs {
		h.buf = append(h.buf, b...)
		n += len(b)
	}

	transit := time.Duration(n) * time.Second / time.Duration(h.rate)

	now := time.Now()
	if h.readyAt.Before(now) {
		h.readyAt = now
	}

	h.readyAt = h.readyAt.Add(transit)
	h.arm(now)

	return n, nil
}

func (h *throttleHandler) Recv(bufs [][]byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.buf) == 0 || time.Now().Before(h.readyAt) {
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

func (h *throttleHandler) Poll() Poll {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := PollOut
	if len(h.buf) > 0 && !time.Now().Before(h.readyAt) {
		p |= PollIn
	}

	return p
}

func (h *throttleHandler) WakeOn(want Wake) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.want = want
	h.arm(time.Now())
}

func (h *throttleHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// arm schedules the readable wake for when the buffered bytes clear
// transit. Callers must hold h.mu.
func (h *throttleHandler) arm(now time.Time) {
	if h.closed || h.want&WakeRead == 0 || len(h.buf) == 0 {
		return
	}

	if h.timer != nil {
		h.timer.Stop()
	}

	h.timer = time.AfterFunc(h.readyAt.Sub(now), func() {
		h.mu.Lock()
		wake := !h.closed && h.want&WakeRead != 0 && len(h.buf) > 0
		h.mu.Unlock()

		if wake {
			h.w.Wake(WakeRead)
		}
	})
}
