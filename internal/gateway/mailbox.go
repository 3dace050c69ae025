package gateway

import "sync"

// mailbox is an unbounded FIFO with a wake-up channel. push never blocks,
// so link callbacks cannot stall the transport that produced them.
type mailbox[T any] struct {
	mu        sync.Mutex
	items     []T
	signal    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// push appends v. It reports false once the mailbox is closed.
func (m *mailbox[T]) push(v T) bool {
	select {
	case <-m.closed:
		return false
	default:
	}
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns everything queued so far, in push order.
func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox[T]) ready() <-chan struct{} { return m.signal }

func (m *mailbox[T]) done() <-chan struct{} { return m.closed }

func (m *mailbox[T]) close() {
	m.closeOnce.Do(func() { close(m.closed) })
}
