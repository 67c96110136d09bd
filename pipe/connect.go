package pipe

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// maxServiceName bounds the length of the service name the guest may
// write in its connect preamble, excluding the trailing NUL.
const maxServiceName = 255

// A Registry maps service names to services. It is itself a Service:
// channels opened against it start out connecting, and are bound to a
// named service when the guest writes a "pipe:<name>" preamble
// terminated by a NUL byte. A name of the form "pipe:<name>:<args>"
// binds <name> if the full string isn't registered.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu  sync.Mutex
	svc map[string]Service
}

// Register adds a named service. It fails if the name is empty,
// too long, or already registered.
func (r *Registry) Register(name string, s Service) error {
	if name == "" || len(name) > maxServiceName {
		return fmt.Errorf("pipe: bad service name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.svc[name]; ok {
		return fmt.Errorf("pipe: service %q is already registered", name)
	}

	if r.svc == nil {
		r.svc = make(map[string]Service)
	}

	r.svc[name] = s

	return nil
}

// Open opens a connector channel. The real service is bound later,
// when the guest writes its preamble.
func (r *Registry) Open(w Waker) (Handler, error) {
	return &connector{reg: r, w: w}, nil
}

func (r *Registry) lookup(name string) Service {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.svc[name]; ok {
		return s
	}

	// "name:args" falls back to the bare service name
	if base, _, ok := strings.Cut(name, ":"); ok {
		return r.svc[base]
	}

	return nil
}

// connector buffers the guest's first writes until it sees the
// NUL-terminated "pipe:<name>" preamble, then swaps in a handler from
// the named service and delegates to it.
type connector struct {
	reg    *Registry
	w      Waker
	buf    []byte
	want   Wake
	h      Handler
	failed bool
}

func (c *connector) Send(bufs [][]byte) (int, error) {
	if c.h != nil {
		return c.h.Send(bufs)
	}

	if c.failed {
		return 0, ErrIO
	}

	var n int
	for _, b := range bufs {
		c.buf = append(c.buf, b...)
		n += len(b)
	}

	i := bytes.IndexByte(c.buf, 0)
	if i < 0 {
		if len(c.buf) > len("pipe:")+maxServiceName {
			c.failed = true
			return 0, ErrInval
		}

		return n, nil
	}

	name, ok := strings.CutPrefix(string(c.buf[:i]), "pipe:")
	if !ok {
		slog.Error("pipe: bad connect preamble", "preamble", string(c.buf[:i]))
		c.failed = true
		return 0, ErrInval
	}

	svc := c.reg.lookup(name)
	if svc == nil {
		slog.Error("pipe: unknown service", "name", name)
		c.failed = true
		return 0, ErrInval
	}

	h, err := svc.Open(c.w)
	if err != nil {
		slog.Error("pipe: service open failed", "name", name, "err", err)
		c.failed = true
		return 0, ErrInval
	}

	rest := c.buf[i+1:]
	c.buf = nil
	c.h = h

	if c.want != 0 {
		h.WakeOn(c.want)
	}

	// bytes written after the NUL belong to the service
	if len(rest) > 0 {
		if _, err := h.Send([][]byte{rest}); err != nil {
			return n, err
		}
	}

	return n, nil
}

func (c *connector) Recv(bufs [][]byte) (int, error) {
	if c.h != nil {
		return c.h.Recv(bufs)
	}

	if c.failed {
		return 0, ErrIO
	}

	return 0, ErrAgain
}

func (c *connector) Poll() Poll {
	switch {
	case c.h != nil:
		return c.h.Poll()

	case c.failed:
		return PollHup

	default:
		return PollOut
	}
}

func (c *connector) WakeOn(want Wake) {
	if c.h != nil {
		c.h.WakeOn(want)
		return
	}

	c.want = want
}

func (c *connector) Close() {
	if c.h != nil {
		c.h.Close()
	}
}
