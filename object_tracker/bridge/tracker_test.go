package bridge

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func noise(w, h int, seed int64) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	return img
}

func shifted(src *image.Gray, dx, dy int) *image.Gray {
	out := image.NewGray(src.Bounds())
	b := src.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetGray(x, y, src.GrayAt(x-dx, y-dy))
		}
	}
	return out
}

func TestTrackerFollowsShiftedPatch(t *testing.T) {
	first := noise(200, 200, 7)
	second := shifted(first, 5, 3)

	tr := New(DefaultConfig())
	test.That(t, tr.Init(image.Rect(80, 80, 100, 100), first), test.ShouldBeTrue)

	box, ok := tr.Update(second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, box, test.ShouldResemble, image.Rect(85, 83, 105, 103))

	third := shifted(second, -4, 6)
	box, ok = tr.Update(third)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, box, test.ShouldResemble, image.Rect(81, 89, 101, 109))
}

func TestTrackerDownscalesLargeBoxes(t *testing.T) {
	first := noise(400, 400, 11)
	second := shifted(first, 10, 0)

	tr := New(DefaultConfig())
	test.That(t, tr.Init(image.Rect(100, 100, 180, 180), first), test.ShouldBeTrue)
	box, ok := tr.Update(second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, box.Min.X, test.ShouldAlmostEqual, 110, 3)
	test.That(t, box.Min.Y, test.ShouldAlmostEqual, 100, 3)
	test.That(t, box.Dx(), test.ShouldEqual, 80)
}

func TestTrackerInitFailures(t *testing.T) {
	img := noise(100, 100, 3)
	tr := New(DefaultConfig())
	test.That(t, tr.Init(image.Rect(90, 90, 150, 150), img), test.ShouldBeFalse)
	test.That(t, tr.Init(image.Rect(10, 10, 10, 30), img), test.ShouldBeFalse)
	test.That(t, tr.Init(image.Rect(10, 10, 30, 30), nil), test.ShouldBeFalse)

	flat := image.NewUniform(color.Gray{Y: 128})
	test.That(t, tr.Init(image.Rect(10, 10, 30, 30), flat), test.ShouldBeFalse)

	_, ok := tr.Update(img)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestTrackerLosesUnrelatedImage(t *testing.T) {
	tr := New(DefaultConfig())
	test.That(t, tr.Init(image.Rect(40, 40, 60, 60), noise(120, 120, 1)), test.ShouldBeTrue)
	_, ok := tr.Update(noise(120, 120, 2))
	test.That(t, ok, test.ShouldBeFalse)
}
