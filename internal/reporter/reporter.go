// Package reporter runs the sensor-node side: a periodic loop that publishes
// one ranging sample per tick and advertises the node's presence.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/uwb-fusion/internal/bus"
	"github.com/signalsfoundry/uwb-fusion/internal/logging"
	"github.com/signalsfoundry/uwb-fusion/model"
	"github.com/signalsfoundry/uwb-fusion/timectrl"
)

const (
	DefaultInterval     = 3 * time.Second
	DefaultNodePrefix   = "home/nodes"
	DefaultStatusPrefix = "home/status"

	// offlineTimeout bounds the goodbye publish once the run context is gone.
	offlineTimeout = 5 * time.Second
)

// SampleEncoder renders samples for the bus. wire.Codec implements it.
type SampleEncoder interface {
	EncodeSample(s model.Sample) ([]byte, error)
}

// Config describes one node.
type Config struct {
	// NodeID identifies the node in payloads and topics. Empty means a fresh
	// UUID.
	NodeID       string
	NodePrefix   string
	StatusPrefix string
	Interval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.NodePrefix == "" {
		c.NodePrefix = DefaultNodePrefix
	}
	if c.StatusPrefix == "" {
		c.StatusPrefix = DefaultStatusPrefix
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Will returns the last-will message a node's bus connection should carry:
// retained "offline" on its status topic.
func Will(statusPrefix, nodeID string) *bus.Will {
	return &bus.Will{
		Topic:   bus.Join(statusPrefix, nodeID),
		Payload: []byte(model.PresenceOffline),
		Retain:  true,
	}
}

// Birth returns the retained "online" message a node's connection publishes
// on every connect, restoring presence after the broker has fired Will.
func Birth(statusPrefix, nodeID string) *bus.Will {
	return &bus.Will{
		Topic:   bus.Join(statusPrefix, nodeID),
		Payload: []byte(model.PresenceOnline),
		Retain:  true,
	}
}

// Option customises a Reporter.
type Option func(*Reporter)

// WithClock overrides the tick source.
func WithClock(c timectrl.Clock) Option {
	return func(r *Reporter) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Reporter) {
		if l != nil {
			r.log = l
		}
	}
}

// Reporter publishes one sample per interval for a single node.
type Reporter struct {
	cfg   Config
	pub   bus.Publisher
	enc   SampleEncoder
	gen   Generator
	clock timectrl.Clock
	log   logging.Logger

	sampleTopic string
	statusTopic string
}

// New validates cfg and assembles a Reporter.
func New(cfg Config, pub bus.Publisher, enc SampleEncoder, gen Generator, opts ...Option) (*Reporter, error) {
	cfg = cfg.withDefaults()
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	if pub == nil || enc == nil || gen == nil {
		return nil, errors.New("publisher, encoder and generator are required")
	}

	r := &Reporter{
		cfg:         cfg,
		pub:         pub,
		enc:         enc,
		gen:         gen,
		clock:       timectrl.Real(),
		log:         logging.Noop(),
		sampleTopic: bus.Join(cfg.NodePrefix, cfg.NodeID),
		statusTopic: bus.Join(cfg.StatusPrefix, cfg.NodeID),
	}
	if err := bus.ValidateTopic(r.sampleTopic); err != nil {
		return nil, fmt.Errorf("sample topic: %w", err)
	}
	if err := bus.ValidateTopic(r.statusTopic); err != nil {
		return nil, fmt.Errorf("status topic: %w", err)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logging.String("node", cfg.NodeID))
	return r, nil
}

// NodeID returns the node's identifier.
func (r *Reporter) NodeID() string { return r.cfg.NodeID }

// SampleTopic is where samples are published.
func (r *Reporter) SampleTopic() string { return r.sampleTopic }

// StatusTopic is where presence is published.
func (r *Reporter) StatusTopic() string { return r.statusTopic }

// Run announces the node online, publishes a sample immediately and then once
// per interval until ctx is done, and finally announces the node offline.
// Only a failure to announce online is returned; per-tick failures are
// logged and the loop continues.
func (r *Reporter) Run(ctx context.Context) error {
	if err := r.pub.Publish(ctx, r.statusTopic, []byte(model.PresenceOnline), true); err != nil {
		return fmt.Errorf("announce online: %w", err)
	}
	r.log.Info(ctx, "node online",
		logging.String("topic", r.sampleTopic),
		logging.String("interval", r.cfg.Interval.String()),
	)

	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	_ = r.PublishOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.goodbye(ctx)
			return nil
		case <-ticker.C():
			_ = r.PublishOnce(ctx)
		}
	}
}

// PublishOnce reads, encodes and publishes a single sample.
func (r *Reporter) PublishOnce(ctx context.Context) error {
	reading, err := r.gen.Read(r.clock.Now())
	if err != nil {
		r.log.Warn(ctx, "reading failed", logging.Err(err))
		return fmt.Errorf("read: %w", err)
	}
	sample := model.Sample{
		NodeID:     r.cfg.NodeID,
		RoundToken: reading.RoundToken,
		Position:   reading.Position,
	}
	payload, err := r.enc.EncodeSample(sample)
	if err != nil {
		r.log.Warn(ctx, "encoding sample failed", logging.Err(err))
		return fmt.Errorf("encode: %w", err)
	}
	if err := r.pub.Publish(ctx, r.sampleTopic, payload, false); err != nil {
		r.log.Warn(ctx, "publish failed", logging.String("topic", r.sampleTopic), logging.Err(err))
		return err
	}
	r.log.Debug(ctx, "published sample",
		logging.String("topic", r.sampleTopic),
		logging.String("payload", string(payload)),
	)
	return nil
}

func (r *Reporter) goodbye(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offlineTimeout)
	defer cancel()
	if err := r.pub.Publish(ctx, r.statusTopic, []byte(model.PresenceOffline), true); err != nil {
		r.log.Warn(ctx, "announce offline failed", logging.Err(err))
		return
	}
	r.log.Info(ctx, "node offline")
}
