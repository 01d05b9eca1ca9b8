// Package core holds the small amount of vector geometry the fusion layer
// needs. Positions are expressed in metres in the anchor frame of the
// deployment.
package core

import "math"

// Vec3 is a point or displacement in the anchor frame.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Scale returns v multiplied component-wise by k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// IsFinite reports whether every component is neither NaN nor infinite.
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// Round rounds every component half away from zero to the given number of
// decimal places. Negative precision is treated as zero.
func (v Vec3) Round(decimals int) Vec3 {
	return Vec3{
		X: RoundTo(v.X, decimals),
		Y: RoundTo(v.Y, decimals),
		Z: RoundTo(v.Z, decimals),
	}
}

// Mean returns the component-wise arithmetic mean of points. It returns false
// for an empty slice.
func Mean(points []Vec3) (Vec3, bool) {
	if len(points) == 0 {
		return Vec3{}, false
	}
	var sum Vec3
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Scale(1 / float64(len(points))), true
}

// MaxDistance returns the largest distance from centre to any of points.
func MaxDistance(centre Vec3, points []Vec3) float64 {
	max := 0.0
	for _, p := range points {
		if d := centre.DistanceTo(p); d > max {
			max = d
		}
	}
	return max
}

// RoundTo rounds f half away from zero to the given number of decimals.
func RoundTo(f float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	pow := math.Pow(10, float64(decimals))
	return math.Round(f*pow) / pow
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
