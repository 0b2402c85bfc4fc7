package object_tracker

import (
	"context"
	"image"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

// DetectionService is the part of an rdk vision service the tracker needs.
type DetectionService interface {
	Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error)
}

type visionDetector struct {
	svc    DetectionService
	filter DetectionFilter
}

// NewVisionDetector uses a vision service as the tracker's detector, keeping
// only chosenLabels when the map is not empty.
func NewVisionDetector(svc DetectionService, chosenLabels map[string]float64) Detector {
	return &visionDetector{svc: svc, filter: NewAdvancedFilter(chosenLabels)}
}

func (v *visionDetector) Detect(ctx context.Context, frame *Frame) ([]*Detection, error) {
	if frame.Image == nil {
		return nil, errors.Errorf("frame %d has no image to send to the vision service", frame.Index)
	}
	found, err := v.svc.Detections(ctx, frame.Image, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "vision service detections for frame %d", frame.Index)
	}
	out := make([]*Detection, 0, len(found))
	for _, d := range found {
		bb := d.BoundingBox()
		if bb == nil {
			continue
		}
		out = append(out, NewDetection(frame, *bb, d.Score(), d.Label()))
	}
	return v.filter(out), nil
}
