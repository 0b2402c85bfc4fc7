// Package object_tracker turns per-frame object detections into tracks that
// follow each object through a video, bridging short detector gaps with a
// visual tracker and smoothing motion with a Kalman filter.
package object_tracker

import (
	"context"
	"image"
)

// Detector returns the detections found in one frame. Implementations may use
// any model; the manager only relies on bbox, confidence, label and an optional feature.
type Detector interface {
	Detect(ctx context.Context, frame *Frame) ([]*Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, frame *Frame) ([]*Detection, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, frame *Frame) ([]*Detection, error) {
	return f(ctx, frame)
}

// FeatureExtractor computes an L2-normalized appearance embedding of a box.
type FeatureExtractor interface {
	Dim() int
	Extract(img image.Image, bbox image.Rectangle) ([]float64, error)
}

// VisualTracker follows one box across frames without a detector.
// Init returns false when it cannot start from the given box.
type VisualTracker interface {
	Init(bbox image.Rectangle, img image.Image) bool
	Update(img image.Image) (image.Rectangle, bool)
}

// VisualTrackerFactory builds a fresh VisualTracker for a track that needs bridging.
type VisualTrackerFactory func() VisualTracker

// Sink receives every track once it is finalized.
type Sink interface {
	TrackFinished(tr *Track) error
}

// Collaborators are the external pieces a TrackManager drives.
// Only Detector is required.
type Collaborators struct {
	Detector Detector
	Features FeatureExtractor
	Bridger  VisualTrackerFactory
	Sink     Sink
}
