// Package aggregator implements the coordinator's round state machine.
//
// Samples are upserted into a RoundBuffer keyed by node. As soon as an upsert
// brings the number of distinct nodes to the quorum, the buffer is fused,
// the result is published and the buffer is cleared, whatever the outcome.
// Round tokens are carried but never compared: a round may combine samples
// from different measurement rounds when nodes publish at different cadences.
// MaxSampleAge bounds how stale a contributing sample can be.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/uwb-fusion/core"
	"github.com/signalsfoundry/uwb-fusion/internal/bus"
	"github.com/signalsfoundry/uwb-fusion/internal/fusion"
	"github.com/signalsfoundry/uwb-fusion/internal/logging"
	"github.com/signalsfoundry/uwb-fusion/internal/observability"
	"github.com/signalsfoundry/uwb-fusion/internal/wire"
	"github.com/signalsfoundry/uwb-fusion/model"
	"github.com/signalsfoundry/uwb-fusion/timectrl"
)

const tracerName = "github.com/signalsfoundry/uwb-fusion/internal/aggregator"

// DefaultQuorum is the number of distinct nodes needed to fuse a position.
const DefaultQuorum = 3

// MetricsRecorder receives aggregation events. *observability.FusionCollector
// implements it.
type MetricsRecorder interface {
	SampleReceived()
	DecodeFailed()
	PublishFailed()
	RoundCompleted(result string, d time.Duration, spread float64)
	SetBufferSize(n int)
}

// FusedEncoder renders fused positions for the output topic.
type FusedEncoder interface {
	EncodeFused(f model.FusedPosition) ([]byte, error)
}

// Config holds the aggregator's tunables.
type Config struct {
	// Quorum is the distinct node count that completes a round. Must be >= 1.
	Quorum int
	// FusedTopic is where fused positions are published.
	FusedTopic string
	// MaxSampleAge, when positive, evicts buffered samples older than this
	// before the quorum check. Zero keeps samples until the next clear.
	MaxSampleAge time.Duration
	// KeyByTopic groups samples by the last level of their topic instead of
	// the node id inside the payload. The topic level then replaces the
	// sample's NodeID, so contributors and source ids name the topic.
	KeyByTopic bool
}

// Outcome describes what one inbound message did to the round.
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeBuffered
	OutcomeFused
	OutcomeFusionFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBuffered:
		return "buffered"
	case OutcomeFused:
		return "fused"
	case OutcomeFusionFailed:
		return "fusion_failed"
	default:
		return "dropped"
	}
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(a *Aggregator) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithClock overrides the clock used to stamp and age samples.
func WithClock(c timectrl.Clock) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// Aggregator owns the round buffer. Every call to Handle decodes, upserts,
// checks quorum and, when reached, fuses and clears under one lock, so
// fusion always sees a stable snapshot even if a transport delivers
// concurrently.
type Aggregator struct {
	cfg     Config
	decoder wire.Decoder
	encoder FusedEncoder
	fuser   fusion.Fuser
	pub     bus.Publisher

	clock   timectrl.Clock
	metrics MetricsRecorder
	log     logging.Logger
	tracer  trace.Tracer

	mu     sync.Mutex
	buffer *RoundBuffer
	rounds atomic.Uint64
}

// New validates cfg and assembles an Aggregator.
func New(cfg Config, dec wire.Decoder, enc FusedEncoder, fuser fusion.Fuser, pub bus.Publisher, opts ...Option) (*Aggregator, error) {
	if cfg.Quorum < 1 {
		return nil, fmt.Errorf("quorum must be at least 1, got %d", cfg.Quorum)
	}
	if err := bus.ValidateTopic(cfg.FusedTopic); err != nil {
		return nil, fmt.Errorf("fused topic: %w", err)
	}
	if cfg.MaxSampleAge < 0 {
		return nil, fmt.Errorf("max sample age must not be negative, got %s", cfg.MaxSampleAge)
	}
	if dec == nil || enc == nil || fuser == nil || pub == nil {
		return nil, fmt.Errorf("decoder, encoder, fuser and publisher are required")
	}

	a := &Aggregator{
		cfg:     cfg,
		decoder: dec,
		encoder: enc,
		fuser:   fuser,
		pub:     pub,
		clock:   timectrl.Real(),
		metrics: nopMetrics{},
		log:     logging.Noop(),
		tracer:  otel.Tracer(tracerName),
		buffer:  NewRoundBuffer(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run consumes msgs until ctx is done or the channel closes. It is the single
// consumer of the subscription; per-message failures are logged and never end
// the loop.
func (a *Aggregator) Run(ctx context.Context, msgs <-chan bus.Message) error {
	a.log.Info(ctx, "aggregator running",
		logging.Int("quorum", a.cfg.Quorum),
		logging.String("fused_topic", a.cfg.FusedTopic),
	)
	for {
		select {
		case <-ctx.Done():
			a.log.Info(ctx, "aggregator stopped", logging.Int("buffered", a.Buffered()))
			return nil
		case msg, ok := <-msgs:
			if !ok {
				a.log.Info(ctx, "subscription closed; aggregator stopping")
				return nil
			}
			_, _ = a.Handle(ctx, msg)
		}
	}
}

// Handle processes one inbound message atomically. The returned error is
// informational: it has already been logged and counted.
func (a *Aggregator) Handle(ctx context.Context, msg bus.Message) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sample, err := a.decoder.Decode(msg.Topic, msg.Payload)
	if err != nil {
		a.metrics.DecodeFailed()
		a.log.Warn(ctx, "dropping malformed report",
			logging.String("topic", msg.Topic),
			logging.Err(err),
		)
		return OutcomeDropped, err
	}

	now := a.clock.Now()
	sample.ReceivedAt = now
	key := sample.NodeID
	if a.cfg.KeyByTopic {
		key = bus.LastLevel(msg.Topic)
		if key != sample.NodeID {
			a.log.Debug(ctx, "payload node id differs from topic",
				logging.String("topic", msg.Topic),
				logging.String("payload_node", sample.NodeID),
			)
		}
		sample.NodeID = key
	}

	replaced := a.buffer.Upsert(key, sample)
	a.metrics.SampleReceived()
	a.log.Info(ctx, "sample received",
		logging.String("node", key),
		logging.String("round_token", sample.RoundToken),
		logging.Float64("x", sample.Position.X),
		logging.Float64("y", sample.Position.Y),
		logging.Float64("z", sample.Position.Z),
		logging.Bool("replaced", replaced),
		logging.Int("buffered", a.buffer.Len()),
	)

	if a.cfg.MaxSampleAge > 0 {
		if evicted := a.buffer.EvictOlderThan(now.Add(-a.cfg.MaxSampleAge)); len(evicted) > 0 {
			a.log.Info(ctx, "evicted stale samples",
				logging.Strings("nodes", evicted),
				logging.String("max_age", a.cfg.MaxSampleAge.String()),
			)
		}
	}
	a.metrics.SetBufferSize(a.buffer.Len())

	if a.buffer.Len() < a.cfg.Quorum {
		return OutcomeBuffered, nil
	}
	return a.fuse(ctx)
}

// fuse runs with a.mu held and always leaves the buffer empty.
func (a *Aggregator) fuse(ctx context.Context) (Outcome, error) {
	round := a.rounds.Add(1)
	ctx = logging.ContextWithRoundID(ctx, round)
	log := logging.WithRoundLogger(ctx, a.log)

	snapshot := a.buffer.Snapshot()
	defer func() {
		a.buffer.Clear()
		a.metrics.SetBufferSize(0)
	}()

	ctx, span := a.tracer.Start(ctx, "aggregator.fuse", trace.WithAttributes(
		attribute.Int64("round", int64(round)),
		attribute.Int("nodes", len(snapshot)),
		attribute.Int("quorum", a.cfg.Quorum),
	))
	defer span.End()

	log.Info(ctx, "quorum reached; fusing",
		logging.Int("nodes", len(snapshot)),
		logging.Bool("mixed_round_tokens", mixedTokens(snapshot)),
	)

	start := time.Now()
	fused, err := a.fuser.Fuse(snapshot)
	elapsed := time.Since(start)
	if err != nil {
		a.metrics.RoundCompleted(observability.ResultFailed, elapsed, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fusion failed")
		log.Error(ctx, "fusion failed; discarding round", logging.Err(err))
		return OutcomeFusionFailed, err
	}

	positions := make([]core.Vec3, 0, len(snapshot))
	for _, s := range snapshot {
		positions = append(positions, s.Position)
	}
	spread := core.MaxDistance(fused.Position, positions)
	a.metrics.RoundCompleted(observability.ResultFused, elapsed, spread)

	if err := a.publish(ctx, fused); err != nil {
		a.metrics.PublishFailed()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		log.Error(ctx, "failed to publish fused position", logging.Err(err))
		return OutcomeFused, err
	}

	log.Info(ctx, "published fused position",
		logging.String("topic", a.cfg.FusedTopic),
		logging.String("source", fused.SourceID),
		logging.String("round_token", fused.RoundToken),
		logging.Float64("x", fused.Position.X),
		logging.Float64("y", fused.Position.Y),
		logging.Float64("z", fused.Position.Z),
		logging.Float64("spread", spread),
	)
	return OutcomeFused, nil
}

func (a *Aggregator) publish(ctx context.Context, fused model.FusedPosition) error {
	payload, err := a.encoder.EncodeFused(fused)
	if err != nil {
		return fmt.Errorf("encode fused position: %w", err)
	}
	return a.pub.Publish(ctx, a.cfg.FusedTopic, payload, false)
}

// Snapshot returns a copy of the round in progress, ordered by node key.
func (a *Aggregator) Snapshot() []model.Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffer.Snapshot()
}

// Buffered reports how many distinct nodes are in the round in progress.
func (a *Aggregator) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffer.Len()
}

// Rounds reports how many fusion attempts have been made. It does not wait
// for a round in progress.
func (a *Aggregator) Rounds() uint64 {
	return a.rounds.Load()
}

func mixedTokens(samples []model.Sample) bool {
	for i := 1; i < len(samples); i++ {
		if samples[i].RoundToken != samples[0].RoundToken {
			return true
		}
	}
	return false
}

type nopMetrics struct{}

func (nopMetrics) SampleReceived()                              {}
func (nopMetrics) DecodeFailed()                                {}
func (nopMetrics) PublishFailed()                               {}
func (nopMetrics) RoundCompleted(string, time.Duration, float64) {}
func (nopMetrics) SetBufferSize(int)                            {}
