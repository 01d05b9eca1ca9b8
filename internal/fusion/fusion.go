// Package fusion combines the per-node samples of a completed round into a
// single position estimate.
package fusion

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/uwb-fusion/core"
	"github.com/signalsfoundry/uwb-fusion/model"
)

// ErrFusion classifies every failure returned by a Fuser.
var ErrFusion = errors.New("fusion error")

// FusionError reports why a round could not be fused.
type FusionError struct {
	Reason string
	Err    error
}

func (e *FusionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fusion: %s: %v", e.Reason, e.Err)
	}
	return "fusion: " + e.Reason
}

func (e *FusionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFusion}
	}
	return []error{ErrFusion, e.Err}
}

// Fuser maps a completed set of samples, one per node and sorted by node id,
// to one fused position. Implementations must not retain the slice.
type Fuser interface {
	Fuse(samples []model.Sample) (model.FusedPosition, error)
}

// FuserFunc adapts a plain function to Fuser.
type FuserFunc func(samples []model.Sample) (model.FusedPosition, error)

// Fuse implements Fuser.
func (f FuserFunc) Fuse(samples []model.Sample) (model.FusedPosition, error) {
	return f(samples)
}

// DefaultPrecision is the number of decimals kept in fused coordinates.
const DefaultPrecision = 2

// Centroid is the default Fuser: the unweighted per-axis mean of all samples.
type Centroid struct {
	// Precision is the number of decimals the result is rounded to.
	Precision int
	// SourceID, when set, replaces the id taken from the first sample. Use it
	// when the fused position describes a tracked device rather than a node.
	SourceID string
}

// NewCentroid returns a Centroid rounding to DefaultPrecision decimals.
func NewCentroid() *Centroid {
	return &Centroid{Precision: DefaultPrecision}
}

// Fuse implements Fuser. SourceID and RoundToken are taken from the first
// sample and are not authoritative across nodes.
func (c *Centroid) Fuse(samples []model.Sample) (model.FusedPosition, error) {
	if len(samples) == 0 {
		return model.FusedPosition{}, &FusionError{Reason: "no samples"}
	}

	points := make([]core.Vec3, 0, len(samples))
	for _, s := range samples {
		if !s.Position.IsFinite() {
			return model.FusedPosition{}, &FusionError{Reason: fmt.Sprintf("sample from %q is not finite", s.NodeID)}
		}
		points = append(points, s.Position)
	}

	mean, _ := core.Mean(points)
	if !mean.IsFinite() {
		return model.FusedPosition{}, &FusionError{Reason: "centroid overflowed"}
	}

	source := samples[0].NodeID
	if c.SourceID != "" {
		source = c.SourceID
	}
	return model.FusedPosition{
		SourceID:     source,
		RoundToken:   samples[0].RoundToken,
		Position:     mean.Round(c.Precision),
		Contributors: Contributors(samples),
	}, nil
}

// Contributors returns the sorted node ids of samples.
func Contributors(samples []model.Sample) []string {
	ids := make([]string, 0, len(samples))
	for _, s := range samples {
		ids = append(ids, s.NodeID)
	}
	sort.Strings(ids)
	return ids
}
