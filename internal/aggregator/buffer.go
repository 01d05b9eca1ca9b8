package aggregator

import (
	"sort"
	"time"

	"github.com/signalsfoundry/uwb-fusion/model"
)

// RoundBuffer holds the most recent sample per node for the round in
// progress. It has no internal locking; the Aggregator owns it.
type RoundBuffer struct {
	samples map[string]model.Sample
}

// NewRoundBuffer returns an empty buffer.
func NewRoundBuffer() *RoundBuffer {
	return &RoundBuffer{samples: make(map[string]model.Sample)}
}

// Upsert stores s under key, replacing any earlier sample for the same key.
// It reports whether a sample was replaced.
func (b *RoundBuffer) Upsert(key string, s model.Sample) bool {
	_, replaced := b.samples[key]
	b.samples[key] = s
	return replaced
}

// Len is the number of distinct nodes buffered.
func (b *RoundBuffer) Len() int { return len(b.samples) }

// Get returns the sample buffered under key.
func (b *RoundBuffer) Get(key string) (model.Sample, bool) {
	s, ok := b.samples[key]
	return s, ok
}

// Snapshot copies the buffered samples ordered by key.
func (b *RoundBuffer) Snapshot() []model.Sample {
	keys := make([]string, 0, len(b.samples))
	for k := range b.samples {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.Sample, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.samples[k])
	}
	return out
}

// EvictOlderThan drops samples received before cutoff and returns their keys.
func (b *RoundBuffer) EvictOlderThan(cutoff time.Time) []string {
	var evicted []string
	for k, s := range b.samples {
		if s.ReceivedAt.Before(cutoff) {
			delete(b.samples, k)
			evicted = append(evicted, k)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Clear discards every buffered sample.
func (b *RoundBuffer) Clear() {
	clear(b.samples)
}
