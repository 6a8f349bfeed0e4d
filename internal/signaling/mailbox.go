package signaling

import (
	"sync"

	"secureconnect-calls/internal/domain"
)

// mailbox forwards messages to a channel in order without ever blocking the sender
type mailbox struct {
	mu     sync.Mutex
	items  []*domain.SignalMessage
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan *domain.SignalMessage
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan *domain.SignalMessage),
	}
	go m.run()
	return m
}

func (m *mailbox) put(msg *domain.SignalMessage) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.items = nil
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		var next *domain.SignalMessage
		if len(m.items) > 0 {
			next = m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
		}
		m.mu.Unlock()

		if next == nil {
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		select {
		case m.out <- next:
		case <-m.done:
			return
		}
	}
}
