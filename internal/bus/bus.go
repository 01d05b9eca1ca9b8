// Package bus is the publish/subscribe boundary of the system. A subscription
// delivers into a bounded channel drained by a single consumer, so callers
// never share state with a transport's callback goroutine.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTransport classifies connect, publish and subscribe failures.
var ErrTransport = errors.New("transport error")

// ErrClosed is returned when operating on a closed connection.
var ErrClosed = fmt.Errorf("%w: connection closed", ErrTransport)

// TransportError wraps a failure of a bus operation.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("bus %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("bus %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// Message is one delivery from a subscription.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Will is the message a broker publishes on a client's behalf when the
// client disappears without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Publisher sends payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Bus is a connected client.
type Bus interface {
	Publisher

	// Subscribe delivers messages whose topic matches filter into a channel
	// with the given capacity. The channel is closed once ctx is done or the
	// connection is closed.
	Subscribe(ctx context.Context, filter string, buffer int) (<-chan Message, error)

	// Close disconnects cleanly. A registered Will is not published.
	Close(ctx context.Context) error
}

// DefaultBuffer is the subscription channel capacity used when a caller
// passes a non-positive buffer.
const DefaultBuffer = 64

// subscription is the bounded queue between a transport's delivery
// goroutine and the consumer.
type subscription struct {
	filter string
	ch     chan Message
	done   chan struct{}

	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func newSubscription(filter string, buffer int) *subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &subscription{
		filter: filter,
		ch:     make(chan Message, buffer),
		done:   make(chan struct{}),
	}
}

// deliver blocks until the message is queued or the subscription ends. It
// reports whether the message was queued.
func (s *subscription) deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
