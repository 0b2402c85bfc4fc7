package object_tracker

import (
	"image"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/floats"
)

// HistogramExtractor describes a box by its HSV color histogram.
type HistogramExtractor struct {
	HueBins, SatBins, ValBins int
	// SampleSize is the side of the square the crop is resized to before counting.
	SampleSize int
}

// NewHistogramExtractor returns an 8x4x4 bin extractor sampling 32x32 crops.
func NewHistogramExtractor() *HistogramExtractor {
	return &HistogramExtractor{HueBins: 8, SatBins: 4, ValBins: 4, SampleSize: 32}
}

// Dim returns the feature length.
func (h *HistogramExtractor) Dim() int {
	return h.HueBins * h.SatBins * h.ValBins
}

// Extract returns the L2-normalized histogram of the pixels under bbox. A box
// outside the image yields a zero vector.
func (h *HistogramExtractor) Extract(img image.Image, bbox image.Rectangle) ([]float64, error) {
	hist := make([]float64, h.Dim())
	crop := bbox.Intersect(img.Bounds())
	if crop.Empty() {
		return hist, nil
	}
	patch := imaging.Resize(imaging.Crop(img, crop), h.SampleSize, h.SampleSize, imaging.Box)
	for i := 0; i+3 < len(patch.Pix); i += 4 {
		c := colorful.Color{
			R: float64(patch.Pix[i]) / 255,
			G: float64(patch.Pix[i+1]) / 255,
			B: float64(patch.Pix[i+2]) / 255,
		}
		hue, sat, val := c.Hsv()
		hb := bin(hue/360, h.HueBins)
		sb := bin(sat, h.SatBins)
		vb := bin(val, h.ValBins)
		hist[(hb*h.SatBins+sb)*h.ValBins+vb]++
	}
	if norm := floats.Norm(hist, 2); norm > 0 {
		floats.Scale(1/norm, hist)
	}
	return hist, nil
}

func bin(v float64, n int) int {
	b := int(v * float64(n))
	if b >= n {
		b = n - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}
