package object_tracker

import (
	"image"

	"github.com/pkg/errors"
)

// Boxes touching the frame edge with an aspect ratio outside this range are
// considered cut off; their appearance is not trusted.
const (
	minEdgeAspectRatio = 0.25
	maxEdgeAspectRatio = 4.0
)

// Frame is one image of the input sequence.
type Frame struct {
	Index int
	// Image may be nil when only detections are replayed.
	Image image.Image
	// Bounds is the canvas geometry. When empty, Image.Bounds() is used.
	Bounds image.Rectangle
}

// NewFrame wraps an image as the frame at index.
func NewFrame(index int, img image.Image) *Frame {
	return &Frame{Index: index, Image: img}
}

// Canvas returns the frame's geometry.
func (f *Frame) Canvas() image.Rectangle {
	if !f.Bounds.Empty() || f.Image == nil {
		return f.Bounds
	}
	return f.Image.Bounds()
}

// Detection is one observed object in one frame.
type Detection struct {
	Frame      int
	BBox       image.Rectangle
	Confidence float64
	Label      string
	// Feature is empty until computed.
	Feature []float64
	// Bridged marks boxes produced by the visual tracker rather than the detector.
	Bridged bool

	canvas image.Rectangle
	frame  *Frame
}

// NewDetection builds a detection attached to frame. The box is clipped to the canvas.
func NewDetection(frame *Frame, bbox image.Rectangle, confidence float64, label string) *Detection {
	d := &Detection{BBox: bbox, Confidence: confidence, Label: label}
	d.attach(frame)
	return d
}

// attach binds the detection to its frame and clips the box.
func (d *Detection) attach(frame *Frame) {
	d.Frame = frame.Index
	d.frame = frame
	d.canvas = frame.Canvas()
	d.BBox = d.BBox.Canon()
	if !d.canvas.Empty() {
		d.BBox = d.BBox.Intersect(d.canvas)
	}
}

// Center returns the box center normalized by the canvas size.
// Without a canvas the center is in pixels.
func (d *Detection) Center() (float64, float64) {
	cx := float64(d.BBox.Min.X+d.BBox.Max.X) / 2
	cy := float64(d.BBox.Min.Y+d.BBox.Max.Y) / 2
	if d.canvas.Empty() {
		return cx, cy
	}
	return (cx - float64(d.canvas.Min.X)) / float64(d.canvas.Dx()),
		(cy - float64(d.canvas.Min.Y)) / float64(d.canvas.Dy())
}

// HasFrame reports whether the detection still references its frame.
func (d *Detection) HasFrame() bool {
	return d.frame != nil
}

// ReleaseFrame drops the frame reference so the image can be collected.
func (d *Detection) ReleaseFrame() {
	d.frame = nil
}

func (d *Detection) image() image.Image {
	if d.frame == nil {
		return nil
	}
	return d.frame.Image
}

// ComputeFeature fills Feature using ex if it has not been computed yet.
// A zero vector is stored when there is no extractor or image, or when the box
// is too unreliable to describe, so similarity with it is always zero.
func (d *Detection) ComputeFeature(ex FeatureExtractor) error {
	if len(d.Feature) > 0 {
		return nil
	}
	dim := 1
	if ex != nil && ex.Dim() > 0 {
		dim = ex.Dim()
	}
	img := d.image()
	if ex == nil || img == nil || d.unreliableAppearance() {
		d.Feature = make([]float64, dim)
		return nil
	}
	feature, err := ex.Extract(img, d.BBox)
	if err != nil {
		return errors.Wrapf(err, "computing feature for detection in frame %d", d.Frame)
	}
	d.Feature = feature
	return nil
}

func (d *Detection) unreliableAppearance() bool {
	if d.BBox.Empty() {
		return true
	}
	c := d.canvas
	if c.Empty() {
		return false
	}
	touches := d.BBox.Min.X <= c.Min.X || d.BBox.Min.Y <= c.Min.Y ||
		d.BBox.Max.X >= c.Max.X || d.BBox.Max.Y >= c.Max.Y
	if !touches {
		return false
	}
	ratio := float64(d.BBox.Dx()) / float64(d.BBox.Dy())
	return ratio < minEdgeAspectRatio || ratio > maxEdgeAspectRatio
}

func cloneFeature(f []float64) []float64 {
	if f == nil {
		return nil
	}
	return append([]float64(nil), f...)
}
