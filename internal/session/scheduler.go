package session

import (
	"sync"
	"time"
)

// DefaultBatchWindow is the coalescing window for merger mutations. It is a
// tunable, not a proven-optimal value.
const DefaultBatchWindow = 50 * time.Millisecond

// Scheduler coalesces bursts of mutations into at most one flush per
// window. Mutations are buffered FIFO; the window timer is re-armed on
// every enqueue, and when it fires the whole buffer is applied as a single
// batch. Backfill bursts after a reconnect would otherwise trigger a
// cascade of dependent recomputation per event.
type Scheduler struct {
	window time.Duration

	mu     sync.Mutex
	queue  []func()
	timer  *time.Timer
	fired  chan struct{}
	closed bool
}

func NewScheduler(window time.Duration) *Scheduler {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &Scheduler{
		window: window,
		fired:  make(chan struct{}, 1),
	}
}

// Enqueue buffers one mutation and (re)arms the window timer. After Close
// the mutation runs synchronously instead of being dropped.
func (s *Scheduler) Enqueue(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.queue = append(s.queue, fn)
	if s.timer == nil {
		s.timer = time.AfterFunc(s.window, s.signal)
	} else {
		s.timer.Reset(s.window)
	}
	s.mu.Unlock()
}

func (s *Scheduler) signal() {
	select {
	case s.fired <- struct{}{}:
	default:
	}
}

// C signals when a window has elapsed and the buffer is ready to flush.
// The owner is expected to call Flush on receipt.
func (s *Scheduler) C() <-chan struct{} {
	return s.fired
}

// Flush applies all buffered mutations in submission order and clears the
// queue. Returns the batch size.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Pending returns the number of buffered mutations.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close flushes any pending batch synchronously and stops the timer. No
// mutation is dropped on teardown.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.Flush()
}
