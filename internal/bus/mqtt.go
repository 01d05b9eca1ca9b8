package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/signalsfoundry/uwb-fusion/internal/logging"
)

// MQTTConfig describes how to reach the broker.
type MQTTConfig struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// MaxReconnectInterval caps paho's exponential reconnect backoff.
	MaxReconnectInterval time.Duration

	// QoS applies to publishes and subscriptions. At-least-once (1) by default.
	QoS byte

	Will *Will
	// Birth is published after every successful connect, reconnects
	// included, so a retained presence overwritten by Will is restored.
	Birth *Will

	// MaxPending bounds the messages held per subscription while its consumer
	// is behind. Zero selects DefaultMaxPending.
	MaxPending int
}

// DefaultMaxPending is the per-subscription overflow queue length.
const DefaultMaxPending = 4096

// BrokerURL returns the tcp:// URL for the configured host and port.
func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// MQTT is a Bus backed by an MQTT 3.1.1 broker.
//
// paho processes acknowledgements on the same goroutine that hands out
// inbound messages, so deliveries never block it: each subscription queues
// into a bounded inbox that a pump goroutine drains into the channel. When an
// inbox is full the oldest message is dropped and reported.
type MQTT struct {
	client     paho.Client
	qos        byte
	birth      *Will
	maxPending int
	log        logging.Logger

	dropped    atomic.Uint64
	onOverflow atomic.Pointer[func(Message)]

	mu     sync.Mutex
	subs   map[*subscription]*inbox
	closed bool
}

var _ Bus = (*MQTT)(nil)

// DialMQTT connects to the broker, retrying with backoff until ctx expires.
// Subscriptions are restored automatically after a reconnect.
func DialMQTT(ctx context.Context, cfg MQTTConfig, log logging.Logger) (*MQTT, error) {
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("broker", cfg.BrokerURL()), logging.String("client_id", cfg.ClientID))

	m := &MQTT{
		qos:        cfg.QoS,
		birth:      cfg.Birth,
		maxPending: cfg.MaxPending,
		log:        log,
		subs:       make(map[*subscription]*inbox),
	}
	if m.maxPending <= 0 {
		m.maxPending = DefaultMaxPending
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetOrderMatters(true)
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.Will != nil {
		opts.SetBinaryWill(cfg.Will.Topic, cfg.Will.Payload, cfg.QoS, cfg.Will.Retain)
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		log.Info(context.Background(), "connected to MQTT broker")
		m.resubscribe(c)
		m.announce(c)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn(context.Background(), "lost MQTT connection", logging.Err(err))
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		log.Info(context.Background(), "reconnecting to MQTT broker")
	})

	m.client = paho.NewClient(opts)
	if err := waitToken(ctx, m.client.Connect()); err != nil {
		m.client.Disconnect(0)
		return nil, &TransportError{Op: "connect", Topic: cfg.BrokerURL(), Err: err}
	}
	return m, nil
}

// Publish implements Publisher.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := ValidateTopic(topic); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	if m.isClosed() {
		return &TransportError{Op: "publish", Topic: topic, Err: ErrClosed}
	}
	if err := waitToken(ctx, m.client.Publish(topic, m.qos, retain, payload)); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// OnOverflow registers fn to be called for every inbound message dropped
// because a subscription's inbox was full.
func (m *MQTT) OnOverflow(fn func(Message)) {
	if fn == nil {
		m.onOverflow.Store(nil)
		return
	}
	m.onOverflow.Store(&fn)
}

// Dropped reports how many inbound messages were discarded on overflow.
func (m *MQTT) Dropped() uint64 { return m.dropped.Load() }

// Subscribe implements Bus. Messages are delivered in arrival order.
func (m *MQTT) Subscribe(ctx context.Context, filter string, buffer int) (<-chan Message, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, &TransportError{Op: "subscribe", Topic: filter, Err: err}
	}
	if m.isClosed() {
		return nil, &TransportError{Op: "subscribe", Topic: filter, Err: ErrClosed}
	}

	sub := newSubscription(filter, buffer)
	in := newInbox(sub, m.maxPending, m.overflow)
	if err := waitToken(ctx, m.client.Subscribe(filter, m.qos, in.handler())); err != nil {
		sub.close()
		return nil, &TransportError{Op: "subscribe", Topic: filter, Err: err}
	}

	m.mu.Lock()
	m.subs[sub] = in
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		m.mu.Lock()
		delete(m.subs, sub)
		closed := m.closed
		m.mu.Unlock()
		if !closed {
			m.client.Unsubscribe(filter)
		}
		sub.close()
	}()

	m.log.Info(ctx, "subscribed", logging.String("filter", filter))
	return sub.ch, nil
}

// Close unsubscribes and disconnects cleanly, so the broker discards the will.
func (m *MQTT) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = map[*subscription]*inbox{}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	quiesce := uint(250)
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < 250*time.Millisecond {
			quiesce = uint(left / time.Millisecond)
		}
	}
	m.client.Disconnect(quiesce)
	m.log.Info(ctx, "disconnected from MQTT broker")
	return nil
}

// resubscribe restores subscriptions after a clean-session reconnect. It must
// not block the paho callback goroutine.
func (m *MQTT) resubscribe(c paho.Client) {
	m.mu.Lock()
	inboxes := make([]*inbox, 0, len(m.subs))
	for _, in := range m.subs {
		inboxes = append(inboxes, in)
	}
	m.mu.Unlock()

	for _, in := range inboxes {
		tok := c.Subscribe(in.sub.filter, m.qos, in.handler())
		go func(filter string) {
			if err := waitToken(context.Background(), tok); err != nil {
				m.log.Error(context.Background(), "resubscribe failed",
					logging.String("filter", filter), logging.Err(err))
			}
		}(in.sub.filter)
	}
}

// announce publishes the birth message without blocking the callback.
func (m *MQTT) announce(c paho.Client) {
	if m.birth == nil {
		return
	}
	tok := c.Publish(m.birth.Topic, m.qos, m.birth.Retain, m.birth.Payload)
	go func() {
		if err := waitToken(context.Background(), tok); err != nil {
			m.log.Error(context.Background(), "birth message not published",
				logging.String("topic", m.birth.Topic), logging.Err(err))
			return
		}
		m.log.Debug(context.Background(), "published birth message", logging.String("topic", m.birth.Topic))
	}()
}

func (m *MQTT) overflow(msg Message) {
	n := m.dropped.Add(1)
	m.log.Warn(context.Background(), "subscriber behind; dropped oldest message",
		logging.String("topic", msg.Topic),
		logging.Int("dropped_total", int(n)),
	)
	if fn := m.onOverflow.Load(); fn != nil {
		(*fn)(msg)
	}
}

// inbox decouples paho's router from a subscription's consumer. push never
// blocks; pump forwards in order and waits on the consumer instead.
type inbox struct {
	sub    *subscription
	limit  int
	onDrop func(Message)
	wake   chan struct{}

	mu      sync.Mutex
	pending []Message
}

func newInbox(sub *subscription, limit int, onDrop func(Message)) *inbox {
	in := &inbox{
		sub:    sub,
		limit:  limit,
		onDrop: onDrop,
		wake:   make(chan struct{}, 1),
	}
	go in.pump()
	return in
}

func (in *inbox) handler() paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		in.push(Message{
			Topic:    msg.Topic(),
			Payload:  append([]byte(nil), msg.Payload()...),
			Retained: msg.Retained(),
		})
	}
}

func (in *inbox) push(msg Message) {
	var (
		lost    Message
		overrun bool
	)
	in.mu.Lock()
	if len(in.pending) >= in.limit {
		lost, overrun = in.pending[0], true
		in.pending[0] = Message{}
		in.pending = in.pending[1:]
	}
	in.pending = append(in.pending, msg)
	in.mu.Unlock()

	if overrun {
		in.onDrop(lost)
	}
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *inbox) pop() (Message, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.pending) == 0 {
		return Message{}, false
	}
	msg := in.pending[0]
	in.pending[0] = Message{}
	in.pending = in.pending[1:]
	return msg, true
}

func (in *inbox) pump() {
	for {
		select {
		case <-in.wake:
		case <-in.sub.done:
			return
		}
		for {
			msg, ok := in.pop()
			if !ok {
				break
			}
			if !in.sub.deliver(msg) {
				return
			}
		}
	}
}

func (m *MQTT) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var errTokenTimeout = errors.New("timed out waiting for broker")

func waitToken(ctx context.Context, tok paho.Token) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errTokenTimeout
		}
		return ctx.Err()
	}
}
