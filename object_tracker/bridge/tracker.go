// Package bridge provides a short-term visual tracker used to carry a track
// through frames where the detector produced nothing for it. It follows the
// last known box by grayscale template matching with normalized cross-correlation.
package bridge

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Config tunes the template tracker.
type Config struct {
	// MaxTemplateSide bounds the longest template side in pixels; larger boxes are downscaled.
	MaxTemplateSide int
	// SearchMargin is the search window margin as a multiple of the box's longest side.
	SearchMargin float64
	// MinScore is the lowest correlation accepted as a match, in [-1, 1].
	MinScore float64
	// MinOverlap is the fraction of the box area that must lie inside the image.
	MinOverlap float64
}

// DefaultConfig returns the settings used by the tracker service.
func DefaultConfig() Config {
	return Config{
		MaxTemplateSide: 32,
		SearchMargin:    1.0,
		MinScore:        0.6,
		MinOverlap:      0.5,
	}
}

// Tracker follows a single box from frame to frame.
type Tracker struct {
	cfg Config
	box image.Rectangle

	scale    float64
	template []float64
	tw, th   int
	tnorm    float64
}

// New returns an uninitialized tracker.
func New(cfg Config) *Tracker {
	if cfg.MaxTemplateSide <= 0 {
		cfg.MaxTemplateSide = DefaultConfig().MaxTemplateSide
	}
	return &Tracker{cfg: cfg}
}

// Init captures the template under bbox. It fails when the box does not
// sufficiently overlap the image or the patch has no texture to correlate.
func (t *Tracker) Init(bbox image.Rectangle, img image.Image) bool {
	t.template = nil
	if img == nil {
		return false
	}
	bbox = bbox.Canon()
	inside := bbox.Intersect(img.Bounds())
	if area(bbox) == 0 || float64(area(inside)) < t.cfg.MinOverlap*float64(area(bbox)) {
		return false
	}

	longest := math.Max(float64(inside.Dx()), float64(inside.Dy()))
	t.scale = math.Min(1, float64(t.cfg.MaxTemplateSide)/longest)
	t.tw = max(1, int(math.Round(float64(inside.Dx())*t.scale)))
	t.th = max(1, int(math.Round(float64(inside.Dy())*t.scale)))

	patch := imaging.Resize(imaging.Crop(img, inside), t.tw, t.th, imaging.Box)
	values := grayValues(patch)
	mean := meanOf(values)
	var norm float64
	for i := range values {
		values[i] -= mean
		norm += values[i] * values[i]
	}
	if norm < 1e-9 {
		return false
	}
	t.template = values
	t.tnorm = math.Sqrt(norm)
	t.box = inside
	return true
}

// Update locates the template in img near the previous box.
func (t *Tracker) Update(img image.Image) (image.Rectangle, bool) {
	if t.template == nil || img == nil {
		return image.Rectangle{}, false
	}
	bounds := img.Bounds()
	margin := int(math.Ceil(t.cfg.SearchMargin * math.Max(float64(t.box.Dx()), float64(t.box.Dy()))))
	search := t.box.Inset(-margin).Intersect(bounds)
	if search.Dx() < t.box.Dx() || search.Dy() < t.box.Dy() {
		return image.Rectangle{}, false
	}

	sw := max(t.tw, int(math.Round(float64(search.Dx())*t.scale)))
	sh := max(t.th, int(math.Round(float64(search.Dy())*t.scale)))
	region := grayValues(imaging.Resize(imaging.Crop(img, search), sw, sh, imaging.Box))

	best, bx, by := math.Inf(-1), 0, 0
	for y := 0; y+t.th <= sh; y++ {
		for x := 0; x+t.tw <= sw; x++ {
			score := t.correlate(region, sw, x, y)
			if score > best {
				best, bx, by = score, x, y
			}
		}
	}
	if best < t.cfg.MinScore {
		return image.Rectangle{}, false
	}

	fx := float64(search.Dx()) / float64(sw)
	fy := float64(search.Dy()) / float64(sh)
	x0 := search.Min.X + int(math.Round(float64(bx)*fx))
	y0 := search.Min.Y + int(math.Round(float64(by)*fy))
	found := image.Rect(x0, y0, x0+t.box.Dx(), y0+t.box.Dy())
	inside := found.Intersect(bounds)
	if float64(area(inside)) < t.cfg.MinOverlap*float64(area(found)) {
		return image.Rectangle{}, false
	}
	t.box = found
	return inside, true
}

// correlate returns the normalized cross-correlation of the template placed at (x, y).
func (t *Tracker) correlate(region []float64, stride, x, y int) float64 {
	n := float64(t.tw * t.th)
	var sum float64
	for j := 0; j < t.th; j++ {
		row := region[(y+j)*stride+x : (y+j)*stride+x+t.tw]
		for _, v := range row {
			sum += v
		}
	}
	mean := sum / n

	var dot, norm float64
	for j := 0; j < t.th; j++ {
		row := region[(y+j)*stride+x : (y+j)*stride+x+t.tw]
		tmpl := t.template[j*t.tw : (j+1)*t.tw]
		for i, v := range row {
			d := v - mean
			dot += d * tmpl[i]
			norm += d * d
		}
	}
	if norm < 1e-9 {
		return -1
	}
	return dot / (math.Sqrt(norm) * t.tnorm)
}

func grayValues(img *image.NRGBA) []float64 {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out = append(out, float64(gray.Pix[y*gray.Stride+x*4]))
		}
	}
	return out
}

func meanOf(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}
