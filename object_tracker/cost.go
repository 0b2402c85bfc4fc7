package object_tracker

import (
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CostFunc is a distance between a track's tail and a candidate detection.
type CostFunc func(a, b *Detection) float64

// IOU returns the intersection over union of 2 rectangles. Two empty boxes
// overlap fully when they are equal and not at all otherwise.
func IOU(r1, r2 image.Rectangle) float64 {
	a1, a2 := area(r1), area(r2)
	if a1 == 0 && a2 == 0 {
		if r1.Canon() == r2.Canon() {
			return 1
		}
		return 0
	}
	inter := area(r1.Intersect(r2))
	return float64(inter) / float64(a1+a2-inter)
}

// IOUDistance is 1 - IOU, in [0, 1].
func IOUDistance(a, b *Detection) float64 {
	return 1 - IOU(a.BBox, b.BBox)
}

// FrameDistance is the temporal gap in frames.
func FrameDistance(a, b *Detection) float64 {
	return math.Abs(float64(a.Frame - b.Frame))
}

// CenterDistance is the euclidean distance between normalized centers, in [0, √2].
func CenterDistance(a, b *Detection) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Hypot(ax-bx, ay-by)
}

// FeatureDistance is 1 - max(0, a·b) for unit features, in [0, 1].
// Missing or mismatched features are maximally distant.
func FeatureDistance(a, b *Detection) float64 {
	if len(a.Feature) == 0 || len(a.Feature) != len(b.Feature) {
		return 1
	}
	sim := floats.Dot(a.Feature, b.Feature)
	return 1 - math.Min(1, math.Max(0, sim))
}

func area(r image.Rectangle) int {
	r = r.Canon()
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}
