package dispatcher

import "sync"

// Mailbox is an unbounded FIFO queue with a coalescing wakeup channel.
// Push never blocks, so the dispatcher loop can never be stalled by a slow
// session.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	notify chan struct{}
}

// NewMailbox creates an empty, open mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Push appends v. It returns false if the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
		// a wakeup is already pending
	}
	return true
}

// Notify returns a channel that receives a value after one or more Pushes.
// Receivers should Drain after every wakeup.
func (m *Mailbox[T]) Notify() <-chan struct{} {
	return m.notify
}

// Drain removes and returns everything queued, oldest first.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.queue
	m.queue = nil
	return items
}

// Close rejects further Pushes and discards anything still queued.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
}
