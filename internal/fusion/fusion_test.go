package fusion

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/signalsfoundry/uwb-fusion/core"
	"github.com/signalsfoundry/uwb-fusion/model"
)

func samples(points ...core.Vec3) []model.Sample {
	ids := []string{"node-a", "node-b", "node-c", "node-d"}
	out := make([]model.Sample, 0, len(points))
	for i, p := range points {
		out = append(out, model.Sample{NodeID: ids[i], RoundToken: "tok-" + ids[i], Position: p})
	}
	return out
}

func TestCentroidMeanOfThree(t *testing.T) {
	got, err := NewCentroid().Fuse(samples(
		core.Vec3{X: 1, Y: 1, Z: 1},
		core.Vec3{X: 2, Y: 2, Z: 2},
		core.Vec3{X: 3, Y: 3, Z: 3},
	))
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if got.Position != (core.Vec3{X: 2, Y: 2, Z: 2}) {
		t.Fatalf("Position = %+v, want (2,2,2)", got.Position)
	}
	if got.SourceID != "node-a" || got.RoundToken != "tok-node-a" {
		t.Fatalf("identity taken from %q/%q, want first sample", got.SourceID, got.RoundToken)
	}
	if strings.Join(got.Contributors, ",") != "node-a,node-b,node-c" {
		t.Fatalf("Contributors = %v", got.Contributors)
	}
}

func TestCentroidRoundsToPrecision(t *testing.T) {
	got, err := NewCentroid().Fuse(samples(
		core.Vec3{X: 1, Y: 0, Z: 0.001},
		core.Vec3{X: 1, Y: 0, Z: 0},
		core.Vec3{X: 2, Y: 1, Z: 0},
	))
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	want := core.Vec3{X: 1.33, Y: 0.33, Z: 0}
	if math.Abs(got.Position.X-want.X) > 1e-9 || math.Abs(got.Position.Y-want.Y) > 1e-9 || got.Position.Z != 0 {
		t.Fatalf("Position = %+v, want %+v", got.Position, want)
	}
}

func TestCentroidSourceOverride(t *testing.T) {
	c := &Centroid{Precision: 1, SourceID: "iphone_tracked_device"}
	got, err := c.Fuse(samples(core.Vec3{X: 1}, core.Vec3{X: 2}))
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if got.SourceID != "iphone_tracked_device" {
		t.Fatalf("SourceID = %q", got.SourceID)
	}
	if got.Position.X != 1.5 {
		t.Fatalf("X = %v, want 1.5", got.Position.X)
	}
}

func TestCentroidErrors(t *testing.T) {
	_, err := NewCentroid().Fuse(nil)
	if !errors.Is(err, ErrFusion) {
		t.Fatalf("Fuse(nil) err = %v, want ErrFusion", err)
	}
	var fe *FusionError
	if !errors.As(err, &fe) || fe.Reason != "no samples" {
		t.Fatalf("expected *FusionError{no samples}, got %v", err)
	}

	_, err = NewCentroid().Fuse(samples(core.Vec3{X: math.NaN()}))
	if !errors.Is(err, ErrFusion) {
		t.Fatalf("Fuse(NaN) err = %v, want ErrFusion", err)
	}

	_, err = NewCentroid().Fuse(samples(core.Vec3{X: math.MaxFloat64}, core.Vec3{X: math.MaxFloat64}))
	if !errors.Is(err, ErrFusion) {
		t.Fatalf("Fuse(overflow) err = %v, want ErrFusion", err)
	}
}

func TestFuserFuncAdapter(t *testing.T) {
	var called int
	var f Fuser = FuserFunc(func(s []model.Sample) (model.FusedPosition, error) {
		called = len(s)
		return model.FusedPosition{SourceID: "custom"}, nil
	})
	got, err := f.Fuse(samples(core.Vec3{}, core.Vec3{}))
	if err != nil || got.SourceID != "custom" || called != 2 {
		t.Fatalf("FuserFunc.Fuse = %+v, %v (called with %d)", got, err, called)
	}
}
