package pipe

import "sync"

// testWaker records upcalls and forwards wakes to a channel so tests
// can wait for asynchronous ones.
type testWaker struct {
	wakeC chan Wake

	mu     sync.Mutex
	wakes  Wake
	closed bool
}

func newTestWaker() *testWaker {
	return &testWaker{wakeC: make(chan Wake, 16)}
}

func (w *testWaker) Wake(flags Wake) {
	w.mu.Lock()
	w.wakes |= flags
	w.mu.Unlock()

	select {
	case w.wakeC <- flags:
	default:
	}
}

func (w *testWaker) CloseFromHost() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	select {
	case w.wakeC <- WakeClosed:
	default:
	}
}

func (w *testWaker) woken() Wake {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.wakes
}

func (w *testWaker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.closed
}
