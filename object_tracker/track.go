package object_tracker

import (
	"image"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/viam-modules/multi-object-tracker/object_tracker/kalman"
)

// ErrNonMonotonicFrame means a detection was appended to a track at or before
// the track's last frame. It always indicates a caller bug.
var ErrNonMonotonicFrame = errors.New("detection does not advance the track in time")

// A Track is the ordered list of detections believed to be one object.
type Track struct {
	ID    string
	Label string

	detections   []*Detection
	lastVerified int

	motion      *kalman.Filter
	motionFrame int
	// predicted is the motion model's box for motionFrame, empty when there is none.
	predicted image.Rectangle
	bridger   VisualTracker
}

func newTrack(d *Detection, label string) *Track {
	return &Track{
		ID:           uuid.NewString(),
		Label:        label,
		detections:   []*Detection{d},
		lastVerified: d.Frame,
	}
}

// Detections returns the track's detections in frame order.
func (t *Track) Detections() []*Detection {
	return t.detections
}

// Tail returns the most recent detection.
func (t *Track) Tail() *Detection {
	return t.detections[len(t.detections)-1]
}

// Len returns the number of detections.
func (t *Track) Len() int {
	return len(t.detections)
}

// StartFrame returns the frame of the first detection.
func (t *Track) StartFrame() int {
	return t.detections[0].Frame
}

// StopFrame returns the frame of the last detection.
func (t *Track) StopFrame() int {
	return t.Tail().Frame
}

// matchReference is what detections of the current frame are compared against:
// the tail, moved to the predicted box when the motion model has one.
func (t *Track) matchReference() *Detection {
	tail := t.Tail()
	if t.predicted.Empty() {
		return tail
	}
	ref := *tail
	ref.BBox = t.predicted
	return &ref
}

// LastVerifiedFrame returns the frame of the last detector-produced detection.
func (t *Track) LastVerifiedFrame() int {
	return t.lastVerified
}

// Append extends the track. A bridged tail may be replaced by a detector
// result from the same frame; any other detection must be strictly later.
// The previous tail's frame is released.
func (t *Track) Append(d *Detection) error {
	tail := t.Tail()
	switch {
	case d.Frame == tail.Frame && tail.Bridged && !d.Bridged:
		tail.ReleaseFrame()
		t.detections[len(t.detections)-1] = d
	case d.Frame <= tail.Frame:
		return errors.Wrapf(ErrNonMonotonicFrame, "track %s: frame %d after frame %d", t.Label, d.Frame, tail.Frame)
	default:
		tail.ReleaseFrame()
		t.detections = append(t.detections, d)
	}
	if !d.Bridged {
		t.lastVerified = d.Frame
		t.bridger = nil
	}
	return nil
}

// finalize drops every resource the track still holds.
func (t *Track) finalize() {
	t.Tail().ReleaseFrame()
	t.bridger = nil
	t.motion = nil
	t.predicted = image.Rectangle{}
}
