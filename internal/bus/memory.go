package bus

import (
	"context"
	"sync"
)

// Broker is an in-process broker with MQTT topic semantics: "+"/"#"
// wildcards, retained messages and last-will delivery. It backs tests and
// single-process deployments.
type Broker struct {
	mu       sync.Mutex
	retained map[string]Message
	subs     map[*subscription]*MemoryClient
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string]Message),
		subs:     make(map[*subscription]*MemoryClient),
	}
}

// Connect attaches a new client. will, when non-nil, is published if the
// client is dropped without Close.
func (b *Broker) Connect(clientID string, will *Will) *MemoryClient {
	return &MemoryClient{broker: b, id: clientID, will: will}
}

// Retained returns the retained message for topic, if any.
func (b *Broker) Retained(topic string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.retained[topic]
	return msg, ok
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) publish(topic string, payload []byte, retain bool) {
	data := append([]byte(nil), payload...)

	b.mu.Lock()
	if retain {
		if len(data) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = Message{Topic: topic, Payload: data, Retained: true}
		}
	}
	targets := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		if Match(sub.filter, topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(Message{Topic: topic, Payload: data})
	}
}

// MemoryClient is a connection to a Broker. It implements Bus.
type MemoryClient struct {
	broker *Broker
	id     string
	will   *Will

	mu     sync.Mutex
	closed bool
}

var _ Bus = (*MemoryClient)(nil)

// ID returns the client identifier given at Connect.
func (c *MemoryClient) ID() string { return c.id }

// Publish implements Publisher.
func (c *MemoryClient) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := ValidateTopic(topic); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	if c.isClosed() {
		return &TransportError{Op: "publish", Topic: topic, Err: ErrClosed}
	}
	c.broker.publish(topic, payload, retain)
	return nil
}

// Subscribe implements Bus. Retained messages matching filter are queued
// before Subscribe returns; any that do not fit in the buffer are skipped.
func (c *MemoryClient) Subscribe(ctx context.Context, filter string, buffer int) (<-chan Message, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, &TransportError{Op: "subscribe", Topic: filter, Err: err}
	}
	if c.isClosed() {
		return nil, &TransportError{Op: "subscribe", Topic: filter, Err: ErrClosed}
	}

	sub := newSubscription(filter, buffer)

	b := c.broker
	b.mu.Lock()
	b.subs[sub] = c
	for topic, msg := range b.retained {
		if !Match(filter, topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		b.removeSub(sub)
		sub.close()
	}()

	return sub.ch, nil
}

// Close disconnects cleanly without publishing the will.
func (c *MemoryClient) Close(context.Context) error {
	c.disconnect()
	return nil
}

// Drop simulates an ungraceful disconnect: subscriptions end and the will,
// if any, is published by the broker.
func (c *MemoryClient) Drop() {
	if !c.disconnect() {
		return
	}
	if c.will != nil {
		c.broker.publish(c.will.Topic, c.will.Payload, c.will.Retain)
	}
}

func (c *MemoryClient) disconnect() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	var owned []*subscription
	for sub, owner := range b.subs {
		if owner == c {
			owned = append(owned, sub)
			delete(b.subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range owned {
		sub.close()
	}
	return true
}

func (c *MemoryClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (b *Broker) removeSub(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
