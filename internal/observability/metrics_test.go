package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRoundCompletedRecordsResultAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewFusionCollector(reg)
	if err != nil {
		t.Fatalf("NewFusionCollector: %v", err)
	}

	collector.RoundCompleted(ResultFused, 2*time.Millisecond, 0.4)
	collector.RoundCompleted(ResultFused, time.Millisecond, 1.2)
	collector.RoundCompleted(ResultFailed, time.Millisecond, 99)

	if got := testutil.ToFloat64(collector.Rounds.WithLabelValues(ResultFused)); got != 2 {
		t.Fatalf("fusion_rounds_total{fused} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Rounds.WithLabelValues(ResultFailed)); got != 1 {
		t.Fatalf("fusion_rounds_total{failed} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "fusion_duration_seconds", nil); count != 3 {
		t.Fatalf("fusion_duration_seconds sample_count = %d, want 3", count)
	}
	if count := histogramSampleCount(t, reg, "fusion_sample_spread_meters", nil); count != 2 {
		t.Fatalf("fusion_sample_spread_meters sample_count = %d, want 2 (failed rounds excluded)", count)
	}
}

func TestCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewFusionCollector(reg)
	if err != nil {
		t.Fatalf("NewFusionCollector: %v", err)
	}

	collector.SampleReceived()
	collector.SampleReceived()
	collector.DecodeFailed()
	collector.PublishFailed()
	collector.DeliveryDropped()
	collector.DeliveryDropped()
	collector.SetBufferSize(2)
	collector.SetNodesOnline(5)

	checks := map[string]struct {
		c    prometheus.Collector
		want float64
	}{
		"samples":        {collector.SamplesReceived, 2},
		"decode_errors":  {collector.DecodeErrors, 1},
		"publish_errors": {collector.PublishErrors, 1},
		"delivery_drops": {collector.DeliveryDrops, 2},
		"buffer":         {collector.BufferNodes, 2},
		"online":         {collector.NodesOnline, 5},
	}
	for name, check := range checks {
		if got := testutil.ToFloat64(check.c); got != check.want {
			t.Errorf("%s = %v, want %v", name, got, check.want)
		}
	}
}

func TestNewFusionCollectorReusesExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewFusionCollector(reg)
	if err != nil {
		t.Fatalf("first NewFusionCollector: %v", err)
	}
	second, err := NewFusionCollector(reg)
	if err != nil {
		t.Fatalf("second NewFusionCollector: %v", err)
	}
	first.SampleReceived()
	if got := testutil.ToFloat64(second.SamplesReceived); got != 1 {
		t.Fatalf("second collector should share counters, got %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *FusionCollector
	c.SampleReceived()
	c.DecodeFailed()
	c.PublishFailed()
	c.RoundCompleted(ResultFused, time.Second, 1)
	c.SetBufferSize(1)
	c.SetNodesOnline(1)
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestMetricsHandlerExposesFusionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewFusionCollector(reg)
	if err != nil {
		t.Fatalf("NewFusionCollector: %v", err)
	}
	collector.RoundCompleted(ResultFused, time.Millisecond, 0.1)
	collector.SetBufferSize(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"fusion_samples_received_total",
		"fusion_decode_errors_total",
		"fusion_rounds_total",
		"fusion_round_buffer_nodes 3",
		"fusion_duration_seconds",
		"fusion_sample_spread_meters",
		"fusion_nodes_online",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
