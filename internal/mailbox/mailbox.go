// Package mailbox implements the message queue behind the capture actors.
//
// A Mailbox is an unbounded FIFO: Post never blocks, so two actors that post
// to each other cannot deadlock. The owning goroutine waits on Ready and then
// drains every queued message in receipt order.
package mailbox

import "sync"

// Mailbox is a multi-producer, single-consumer FIFO of messages.
type Mailbox[M any] struct {
	mu     sync.Mutex
	queue  []M
	ready  chan struct{} // cap 1, signalled when queue becomes non-empty
	closed bool
}

// New creates an empty mailbox.
func New[M any]() *Mailbox[M] {
	return &Mailbox[M]{ready: make(chan struct{}, 1)}
}

// Post enqueues msg. It reports false if the mailbox is closed.
func (m *Mailbox[M]) Post(msg M) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled whenever messages may be waiting.
func (m *Mailbox[M]) Ready() <-chan struct{} {
	return m.ready
}

// Drain removes and returns all queued messages in receipt order.
func (m *Mailbox[M]) Drain() []M {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.queue
	m.queue = nil
	return msgs
}

// Len returns the number of queued messages.
func (m *Mailbox[M]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close rejects further posts. Queued messages can still be drained.
func (m *Mailbox[M]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}
