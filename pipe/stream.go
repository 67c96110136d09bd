package pipe

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
)

// Stream bridges each channel to a host network connection. This is
// the service shape behind the debug-bridge pass-through: every open
// dials a fresh connection and the channel carries its byte stream.
type Stream struct {

	// Dial opens the backing connection for a new channel.
	Dial func() (net.Conn, error)

	// BufSize bounds the bytes buffered in each direction.
	// If BufSize is 0, each direction buffers up to 32 KiB.
	BufSize int
}

// DialVSock returns a Dial function that connects to a vsock
// listener, for bridging channels to services in another VM or on the
// hypervisor host.
func DialVSock(cid, port uint32) func() (net.Conn, error) {
	return func() (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	}
}

func (s *Stream) Open(w Waker) (Handler, error) {
	if s.Dial == nil {
		return nil, errors.New("pipe: stream service has no dialer")
	}

	conn, err := s.Dial()
	if err != nil {
		return nil, err
	}

	max := s.BufSize
	if max == 0 {
		max = 32 << 10
	}

	h := &streamHandler{
		w:    w,
		conn: conn,
		max:  max,
	}

	h.cond = sync.NewCond(&h.mu)
	h.g.Go(h.rxPump)
	h.g.Go(h.txPump)

	return h, nil
}

type streamHandler struct {
	w    Waker
	conn net.Conn
	max  int
	g    errgroup.Group

	mu     sync.Mutex
	cond   *sync.Cond
	want   Wake
	rx     []byte
	tx     []byte
	eof    bool
	closed bool
}

// rxPump moves bytes from the connection into the rx buffer. It stops
// reading while the buffer is full, so the connection sees
// backpressure when the guest falls behind.
func (h *streamHandler) rxPump() error {
	buf := make([]byte, 4096)

	for {
		n, err := h.conn.Read(buf)

		if n > 0 {
			h.mu.Lock()
			for len(h.rx) >= h.max && !h.closed {
				h.cond.Wait()
			}

			if h.closed {
				h.mu.Unlock()
				return nil
			}

			h.rx = append(h.rx, buf[:n]...)
			wake := h.want&WakeRead != 0
			h.mu.Unlock()

			if wake {
				h.w.Wake(WakeRead)
			}
		}

		if err != nil {
			h.mu.Lock()
			h.eof = true
			closed := h.closed
			h.mu.Unlock()

			if closed || err == io.EOF {
				if !closed {
					h.w.CloseFromHost()
				}

				return nil
			}

			h.w.CloseFromHost()

			return err
		}
	}
}

// txPump drains the tx buffer into the connection.
func (h *streamHandler) txPump() error {
	for {
		h.mu.Lock()
		for len(h.tx) == 0 && !h.closed {
			h.cond.Wait()
		}

		if h.closed {
			h.mu.Unlock()
			return nil
		}

		b := h.tx
		h.tx = nil
		h.mu.Unlock()

		if _, err := h.conn.Write(b); err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()

			if closed {
				return nil
			}

			h.w.CloseFromHost()

			return err
		}

		h.mu.Lock()
		wake := h.want&WakeWrite != 0
		h.mu.Unlock()

		if wake {
			h.w.Wake(WakeWrite)
		}
	}
}

func (h *streamHandler) Send(bufs [][]byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.eof {
		return 0, ErrIO
	}

	space := h.max - len(h.tx)
	if space <= 0 {
		return 0, ErrAgain
	}

	var n int
	for _, b := range bufs {
		if len(b) > space {
			b = b[:space]
		}

		h.tx = append(h.tx, b...)
		n += len(b)
		space -= len(b)

		if space == 0 {
			break
		}
	}

	if n == 0 {
		return 0, ErrAgain
	}

	h.cond.Broadcast()

	return n, nil
}

func (h *streamHandler) Recv(bufs [][]byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.rx) == 0 {
		if h.eof {
			return 0, ErrIO
		}

		return 0, ErrAgain
	}

	var n int
	for _, b := range bufs {
		c := copy(b, h.rx)
		h.rx = h.rx[c:]
		n += c

		if len(h.rx) == 0 {
			break
		}
	}

	h.cond.Broadcast()

	return n, nil
}

func (h *streamHandler) Poll() Poll {
	h.mu.Lock()
	defer h.mu.Unlock()

	var p Poll

	if len(h.rx) > 0 {
		p |= PollIn
	}

	if !h.eof && len(h.tx) < h.max {
		p |= PollOut
	}

	if h.eof && len(h.rx) == 0 {
		p |= PollHup
	}

	return p
}

func (h *streamHandler) WakeOn(want Wake) {
	h.mu.Lock()
	h.want = want

	var flags Wake
	if want&WakeRead != 0 && len(h.rx) > 0 {
		flags |= WakeRead
	}

	if want&WakeWrite != 0 && len(h.tx) < h.max && !h.eof {
		flags |= WakeWrite
	}

	h.mu.Unlock()

	if flags != 0 {
		h.w.Wake(flags)
	}
}

func (h *streamHandler) Close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()

	h.conn.Close()

	if err := h.g.Wait(); err != nil {
		slog.Error("pipe: stream shutdown", "err", err)
	}
}
