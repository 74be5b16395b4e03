package progress

import (
	"errors"
	"sync"
)

// Subscriber errors. Either one detaches the subscriber.
var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSubscriberFull   = errors.New("subscriber buffer full")
)

// Subscriber receives events for one session. Send must not block.
type Subscriber interface {
	Send(Event) error
	Close()
}

// ChannelSubscriber buffers events for a transport goroutine to drain.
type ChannelSubscriber struct {
	mu     sync.Mutex
	events chan Event
	done   chan struct{}
	closed bool
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 32
	}
	return &ChannelSubscriber{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Send enqueues ev without blocking.
func (s *ChannelSubscriber) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return ErrSubscriberFull
	}
}

// Events is drained by the transport writer.
func (s *ChannelSubscriber) Events() <-chan Event {
	return s.events
}

// Done is closed once Close has been called.
func (s *ChannelSubscriber) Done() <-chan struct{} {
	return s.done
}

// Close is idempotent.
func (s *ChannelSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
