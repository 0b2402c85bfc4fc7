package object_tracker

import (
	"context"
	"image"
	"testing"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/test"
)

type fakeDetection struct {
	objdet.Detection
	box   *image.Rectangle
	score float64
	label string
}

func (d fakeDetection) BoundingBox() *image.Rectangle { return d.box }
func (d fakeDetection) Score() float64                { return d.score }
func (d fakeDetection) Label() string                 { return d.label }

type fakeVisionService struct {
	dets []objdet.Detection
	err  error
}

func (s *fakeVisionService) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	return s.dets, s.err
}

func TestVisionDetectorConvertsDetections(t *testing.T) {
	box := image.Rect(10, 10, 40, 40)
	wide := image.Rect(-20, 50, 120, 90)
	svc := &fakeVisionService{dets: []objdet.Detection{
		fakeDetection{box: &box, score: 0.8, label: "cat"},
		fakeDetection{box: &wide, score: 0.9, label: "dog"},
		fakeDetection{score: 0.9, label: "cat"},
		fakeDetection{box: &box, score: 0.3, label: "cat"},
	}}
	frame := NewFrame(4, image.NewRGBA(image.Rect(0, 0, 100, 100)))

	dets, err := NewVisionDetector(svc, map[string]float64{"cat": 0.5, "dog": 0.5}).Detect(context.Background(), frame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0].BBox, test.ShouldResemble, box)
	test.That(t, dets[0].Frame, test.ShouldEqual, 4)
	test.That(t, dets[1].BBox, test.ShouldResemble, image.Rect(0, 50, 100, 90))
	test.That(t, dets[1].HasFrame(), test.ShouldBeTrue)
}

func TestVisionDetectorErrors(t *testing.T) {
	errSvc := errors.New("model not loaded")
	d := NewVisionDetector(&fakeVisionService{err: errSvc}, nil)

	_, err := d.Detect(context.Background(), NewFrame(0, image.NewRGBA(image.Rect(0, 0, 10, 10))))
	test.That(t, errors.Is(err, errSvc), test.ShouldBeTrue)

	_, err = d.Detect(context.Background(), &Frame{Index: 1, Bounds: testCanvas})
	test.That(t, err, test.ShouldNotBeNil)
}
