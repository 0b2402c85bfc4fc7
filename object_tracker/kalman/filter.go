// Package kalman implements the per-track motion predictor: a constant-velocity
// Kalman filter over a bounding box center, size and their velocities.
package kalman

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	stateDim       = 8
	measurementDim = 4

	// initialVelocityVariance is the prior uncertainty on every velocity component.
	initialVelocityVariance = 100.0
)

// ErrCorrectWithoutPredict is returned when Correct is called twice without a Predict in between.
var ErrCorrectWithoutPredict = errors.New("kalman: correct called without a prior predict")

// Noise holds one variance per box axis: center x, center y, width and height.
type Noise struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (n Noise) values() [measurementDim]float64 {
	return [measurementDim]float64{n.X, n.Y, n.W, n.H}
}

// Validate checks that no variance is negative.
func (n Noise) Validate() error {
	for _, v := range n.values() {
		if v < 0 || math.IsNaN(v) {
			return errors.Errorf("noise variances must be non-negative, got %+v", n)
		}
	}
	return nil
}

// Filter tracks the state [cx, cy, w, h, vcx, vcy, vw, vh] of one box.
type Filter struct {
	x *mat.VecDense
	p *mat.Dense
	h *mat.Dense
	r *mat.DiagDense

	process   Noise
	predicted bool
}

// New starts a filter at the given box with zero velocity.
func New(bbox image.Rectangle, process, measurement Noise) *Filter {
	z := measure(bbox)
	x := mat.NewVecDense(stateDim, []float64{z[0], z[1], z[2], z[3], 0, 0, 0, 0})

	mv := measurement.values()
	p := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < measurementDim; i++ {
		p.Set(i, i, math.Max(mv[i], 1))
		p.Set(i+measurementDim, i+measurementDim, initialVelocityVariance)
	}

	h := mat.NewDense(measurementDim, stateDim, nil)
	for i := 0; i < measurementDim; i++ {
		h.Set(i, i, 1)
	}

	return &Filter{
		x:       x,
		p:       p,
		h:       h,
		r:       mat.NewDiagDense(measurementDim, mv[:]),
		process: process,
	}
}

// Predict advances the state by dt and returns the predicted box clipped to roi.
// An empty roi disables clipping.
func (f *Filter) Predict(dt float64, roi image.Rectangle) image.Rectangle {
	if dt < 0 {
		dt = 0
	}
	trans := transition(dt)

	var x mat.VecDense
	x.MulVec(trans, f.x)
	f.x = &x

	var fp, fpf mat.Dense
	fp.Mul(trans, f.p)
	fpf.Mul(&fp, trans.T())
	fpf.Add(&fpf, processCovariance(dt, f.process))
	f.p = &fpf

	f.predicted = true
	return clip(f.Box(), roi)
}

// Correct folds an observed box into the state and returns the filtered box.
func (f *Filter) Correct(observed image.Rectangle) (image.Rectangle, error) {
	if !f.predicted {
		return image.Rectangle{}, ErrCorrectWithoutPredict
	}
	z := measure(observed)

	var hp, s mat.Dense
	hp.Mul(f.h, f.p)
	s.Mul(&hp, f.h.T())
	s.Add(&s, f.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return image.Rectangle{}, errors.Wrap(err, "kalman: innovation covariance is singular")
	}

	var pht, gain mat.Dense
	pht.Mul(f.p, f.h.T())
	gain.Mul(&pht, &sInv)

	var hx, innovation, step mat.VecDense
	hx.MulVec(f.h, f.x)
	innovation.SubVec(mat.NewVecDense(measurementDim, z[:]), &hx)
	step.MulVec(&gain, &innovation)
	f.x.AddVec(f.x, &step)

	var kh, ikh, p mat.Dense
	kh.Mul(&gain, f.h)
	ikh.Sub(identity(stateDim), &kh)
	p.Mul(&ikh, f.p)
	f.p = &p

	f.predicted = false
	return f.Box(), nil
}

// Box returns the current state estimate as a rectangle.
func (f *Filter) Box() image.Rectangle {
	cx, cy := f.x.AtVec(0), f.x.AtVec(1)
	w, h := math.Max(f.x.AtVec(2), 1), math.Max(f.x.AtVec(3), 1)
	x0 := int(math.Round(cx - w/2))
	y0 := int(math.Round(cy - h/2))
	return image.Rect(x0, y0, x0+int(math.Round(w)), y0+int(math.Round(h)))
}

// Velocity returns the estimated center velocity in pixels per unit of dt.
func (f *Filter) Velocity() (float64, float64) {
	return f.x.AtVec(4), f.x.AtVec(5)
}

func measure(r image.Rectangle) [measurementDim]float64 {
	r = r.Canon()
	return [measurementDim]float64{
		float64(r.Min.X+r.Max.X) / 2,
		float64(r.Min.Y+r.Max.Y) / 2,
		float64(r.Dx()),
		float64(r.Dy()),
	}
}

func transition(dt float64) *mat.Dense {
	f := identity(stateDim)
	for i := 0; i < measurementDim; i++ {
		f.Set(i, i+measurementDim, dt)
	}
	return f
}

// processCovariance is the discrete white-noise acceleration model, one block per axis.
func processCovariance(dt float64, n Noise) *mat.Dense {
	q := mat.NewDense(stateDim, stateDim, nil)
	dt2 := dt * dt
	for i, v := range n.values() {
		j := i + measurementDim
		q.Set(i, i, v*dt2*dt2/4)
		q.Set(i, j, v*dt2*dt/2)
		q.Set(j, i, v*dt2*dt/2)
		q.Set(j, j, v*dt2)
	}
	return q
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func clip(r, roi image.Rectangle) image.Rectangle {
	if roi.Empty() {
		return r
	}
	return r.Intersect(roi)
}
