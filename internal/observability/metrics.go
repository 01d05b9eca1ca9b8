package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Round results recorded on fusion_rounds_total.
const (
	ResultFused  = "fused"
	ResultFailed = "failed"
)

// FusionCollector bundles Prometheus metrics for the coordinator and
// satisfies the aggregator's and presence registry's recorder interfaces.
type FusionCollector struct {
	gatherer prometheus.Gatherer

	SamplesReceived prometheus.Counter
	DecodeErrors    prometheus.Counter
	PublishErrors   prometheus.Counter
	DeliveryDrops   prometheus.Counter
	Rounds          *prometheus.CounterVec
	BufferNodes     prometheus.Gauge
	NodesOnline     prometheus.Gauge
	FusionDuration  prometheus.Histogram
	SampleSpread    prometheus.Histogram
}

// NewFusionCollector registers coordinator metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewFusionCollector(reg prometheus.Registerer) (*FusionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	samples, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fusion_samples_received_total",
		Help: "Samples decoded and accepted into the round buffer.",
	}), "fusion_samples_received_total")
	if err != nil {
		return nil, err
	}
	decodeErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fusion_decode_errors_total",
		Help: "Inbound payloads dropped because they could not be decoded.",
	}), "fusion_decode_errors_total")
	if err != nil {
		return nil, err
	}
	publishErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fusion_publish_errors_total",
		Help: "Fused positions that could not be published to the bus.",
	}), "fusion_publish_errors_total")
	if err != nil {
		return nil, err
	}

	drops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fusion_delivery_dropped_total",
		Help: "Inbound messages discarded because the transport's pending queue overflowed.",
	}), "fusion_delivery_dropped_total")
	if err != nil {
		return nil, err
	}

	rounds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_rounds_total",
		Help: "Completed aggregation rounds, labeled by result (fused or failed).",
	}, []string{"result"})
	rounds, err = registerCounterVec(reg, rounds, "fusion_rounds_total")
	if err != nil {
		return nil, err
	}

	bufferNodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fusion_round_buffer_nodes",
		Help: "Distinct nodes currently held in the round buffer.",
	}), "fusion_round_buffer_nodes")
	if err != nil {
		return nil, err
	}
	online, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fusion_nodes_online",
		Help: "Nodes whose retained presence is online.",
	}), "fusion_nodes_online")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fusion_duration_seconds",
		Help:    "Time spent in the fusion function per round.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}), "fusion_duration_seconds")
	if err != nil {
		return nil, err
	}
	spread, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fusion_sample_spread_meters",
		Help:    "Largest distance between the fused position and any contributing sample.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}), "fusion_sample_spread_meters")
	if err != nil {
		return nil, err
	}

	return &FusionCollector{
		gatherer:        gatherer,
		SamplesReceived: samples,
		DecodeErrors:    decodeErrors,
		PublishErrors:   publishErrors,
		DeliveryDrops:   drops,
		Rounds:          rounds,
		BufferNodes:     bufferNodes,
		NodesOnline:     online,
		FusionDuration:  duration,
		SampleSpread:    spread,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *FusionCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FusionCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *FusionCollector) SampleReceived() {
	if c == nil || c.SamplesReceived == nil {
		return
	}
	c.SamplesReceived.Inc()
}

func (c *FusionCollector) DecodeFailed() {
	if c == nil || c.DecodeErrors == nil {
		return
	}
	c.DecodeErrors.Inc()
}

func (c *FusionCollector) PublishFailed() {
	if c == nil || c.PublishErrors == nil {
		return
	}
	c.PublishErrors.Inc()
}

// DeliveryDropped counts one inbound message lost to transport overflow.
func (c *FusionCollector) DeliveryDropped() {
	if c == nil || c.DeliveryDrops == nil {
		return
	}
	c.DeliveryDrops.Inc()
}

// RoundCompleted records the outcome and latency of one fusion attempt.
// spread is only observed for successful rounds.
func (c *FusionCollector) RoundCompleted(result string, d time.Duration, spread float64) {
	if c == nil {
		return
	}
	if c.Rounds != nil {
		c.Rounds.WithLabelValues(result).Inc()
	}
	if c.FusionDuration != nil {
		c.FusionDuration.Observe(d.Seconds())
	}
	if result == ResultFused && c.SampleSpread != nil {
		c.SampleSpread.Observe(spread)
	}
}

func (c *FusionCollector) SetBufferSize(n int) {
	if c == nil || c.BufferNodes == nil {
		return
	}
	c.BufferNodes.Set(float64(n))
}

func (c *FusionCollector) SetNodesOnline(n int) {
	if c == nil || c.NodesOnline == nil {
		return
	}
	c.NodesOnline.Set(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
