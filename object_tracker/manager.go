package object_tracker

import (
	"context"
	"image"
	"maps"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/multi-object-tracker/object_tracker/kalman"
)

// ErrOutOfOrderFrame is returned when frames are not given in increasing index order.
var ErrOutOfOrderFrame = errors.New("frame index does not advance")

// assignmentPass is one stage of the matching cascade.
type assignmentPass struct {
	name          string
	cost          CostFunc
	maxCost       float64
	needsFeatures bool
	// needsCanvas marks passes whose cost is normalized by the frame size.
	needsCanvas bool
}

// TrackManager builds tracks from a sequence of frames. It is not safe for
// concurrent use; frames must be given in order.
type TrackManager struct {
	cfg        TrackerConfig
	detector   Detector
	features   FeatureExtractor
	newBridger VisualTrackerFactory
	sink       Sink
	logger     logging.Logger

	filters []DetectionFilter
	passes  []assignmentPass
	labels  *trackLabeler

	active    []*Track
	finished  []*Track
	lastFrame int
	started   bool

	warnedNoCanvas bool
}

// NewTrackManager validates cfg and returns a manager with no tracks.
func NewTrackManager(cfg TrackerConfig, c Collaborators, logger logging.Logger) (*TrackManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracker config")
	}
	if c.Detector == nil {
		return nil, errors.New("track manager requires a detector")
	}
	cfg.ChosenLabels = maps.Clone(cfg.ChosenLabels)
	m := &TrackManager{
		cfg:        cfg,
		detector:   c.Detector,
		features:   c.Features,
		newBridger: c.Bridger,
		sink:       c.Sink,
		logger:     logger,
		filters:    cfg.detectionFilters(),
		labels:     newTrackLabeler(),
	}
	m.passes = []assignmentPass{{name: "iou", cost: IOUDistance, maxCost: cfg.MaxIOUDistance}}
	if !cfg.DisableFeaturePass {
		m.passes = append(m.passes, assignmentPass{
			name: "feature", cost: FeatureDistance, maxCost: cfg.MaxFeatureDistance, needsFeatures: true,
		})
	}
	if !cfg.DisableCenterPass {
		m.passes = append(m.passes, assignmentPass{
			name: "center", cost: CenterDistance, maxCost: cfg.MaxCenterDistance, needsCanvas: true,
		})
	}
	return m, nil
}

// ProcessFrame runs one step of the tracker: prune stale tracks, predict
// motion, detect (on detection frames), match detections to tracks, start new
// tracks, bridge the tracks left without a detection, then correct motion.
func (m *TrackManager) ProcessFrame(ctx context.Context, frame *Frame) error {
	if frame == nil {
		return errors.New("nil frame")
	}
	if m.started && frame.Index <= m.lastFrame {
		return errors.Wrapf(ErrOutOfOrderFrame, "got frame %d after frame %d", frame.Index, m.lastFrame)
	}
	m.started = true
	m.lastFrame = frame.Index

	if err := m.prune(frame.Index); err != nil {
		return err
	}
	if m.cfg.MotionSmoothingEnabled {
		m.predictMotion(frame)
	}

	var dets []*Detection
	if m.cfg.isDetectionFrame(frame.Index) {
		found, err := m.detector.Detect(ctx, frame)
		if err != nil {
			return errors.Wrapf(err, "detecting objects in frame %d", frame.Index)
		}
		dets = m.prepare(frame, found)
	}

	if len(dets) > 0 {
		unmatched, err := m.assign(frame, dets)
		if err != nil {
			return err
		}
		if err := m.startTracks(unmatched); err != nil {
			return err
		}
	}

	if err := m.bridgeGaps(frame); err != nil {
		return err
	}
	if m.cfg.MotionSmoothingEnabled {
		if err := m.updateMotion(frame); err != nil {
			return err
		}
	}
	m.logger.Debugf("frame %d: %d detections, %d active tracks, %d finished", frame.Index, len(dets), len(m.active), len(m.finished))
	return nil
}

// Finish finalizes every active track and returns all finished tracks not yet
// drained. Every track is finalized even when the sink fails for some of them.
func (m *TrackManager) Finish() ([]*Track, error) {
	active := m.active
	m.active = nil
	var err error
	for _, tr := range active {
		err = multierr.Append(err, m.finalize(tr))
	}
	return m.DrainFinished(), err
}

// DrainFinished returns the tracks finalized since the last drain.
func (m *TrackManager) DrainFinished() []*Track {
	out := m.finished
	m.finished = nil
	return out
}

// ActiveTracks returns the tracks still being extended.
func (m *TrackManager) ActiveTracks() []*Track {
	return append([]*Track(nil), m.active...)
}

func (m *TrackManager) prune(frame int) error {
	kept := m.active[:0]
	var stale []*Track
	for _, tr := range m.active {
		if frame-tr.StopFrame() > m.cfg.MaxFrameGap {
			stale = append(stale, tr)
		} else {
			kept = append(kept, tr)
		}
	}
	m.active = kept
	var err error
	for _, tr := range stale {
		err = multierr.Append(err, m.finalize(tr))
	}
	return err
}

func (m *TrackManager) finalize(tr *Track) error {
	tr.finalize()
	m.finished = append(m.finished, tr)
	m.logger.Debugf("track %s finished: frames %d-%d, %d detections", tr.Label, tr.StartFrame(), tr.StopFrame(), tr.Len())
	if m.sink == nil {
		return nil
	}
	return errors.Wrapf(m.sink.TrackFinished(tr), "sending track %s", tr.Label)
}

// prepare attaches the detector output to the frame and applies the configured gates.
func (m *TrackManager) prepare(frame *Frame, found []*Detection) []*Detection {
	dets := make([]*Detection, 0, len(found))
	for _, d := range found {
		if d == nil {
			continue
		}
		d.attach(frame)
		dets = append(dets, d)
	}
	return applyFilters(dets, m.filters)
}

// assign runs the matching cascade and returns the detections no pass matched.
func (m *TrackManager) assign(frame *Frame, dets []*Detection) ([]*Detection, error) {
	remaining := dets
	for _, pass := range m.passes {
		if len(remaining) == 0 || len(m.active) == 0 {
			break
		}
		if pass.needsCanvas && frame.Canvas().Empty() {
			if !m.warnedNoCanvas {
				m.logger.Warnf("frame %d has no size; skipping the %s pass until frames carry one", frame.Index, pass.name)
				m.warnedNoCanvas = true
			}
			continue
		}
		if pass.needsFeatures {
			if err := m.computeFeatures(remaining); err != nil {
				return nil, err
			}
		}
		matches, err := Assign(m.active, remaining, pass.cost, pass.maxCost)
		if err != nil {
			return nil, errors.Wrapf(err, "%s assignment", pass.name)
		}

		used := make(map[int]struct{})
		for ti, di := range matches {
			if di == NoMatch {
				continue
			}
			if err := m.active[ti].Append(remaining[di]); err != nil {
				return nil, err
			}
			used[di] = struct{}{}
		}

		next := make([]*Detection, 0, len(remaining)-len(used))
		for di, d := range remaining {
			if _, ok := used[di]; !ok {
				next = append(next, d)
			}
		}
		if len(used) > 0 {
			m.logger.Debugf("%s pass matched %d detections, %d left", pass.name, len(used), len(next))
		}
		remaining = next
	}
	return remaining, nil
}

func (m *TrackManager) computeFeatures(dets []*Detection) error {
	for _, tr := range m.active {
		if err := tr.Tail().ComputeFeature(m.features); err != nil {
			return err
		}
	}
	for _, d := range dets {
		if err := d.ComputeFeature(m.features); err != nil {
			return err
		}
	}
	return nil
}

func (m *TrackManager) startTracks(dets []*Detection) error {
	for _, d := range dets {
		if err := d.ComputeFeature(m.features); err != nil {
			return err
		}
		tr := newTrack(d, m.labels.next(d.Label))
		m.active = append(m.active, tr)
		m.logger.Debugf("track %s started at frame %d", tr.Label, d.Frame)
	}
	return nil
}

// bridgeGaps extends every track that got no detection this frame with the
// visual tracker, as long as the gap since its last verified detection allows it.
func (m *TrackManager) bridgeGaps(frame *Frame) error {
	for _, tr := range m.active {
		if tr.StopFrame() >= frame.Index {
			continue
		}
		if frame.Index-tr.LastVerifiedFrame() > m.cfg.MaxFrameGap {
			tr.bridger = nil
			continue
		}
		d, err := m.bridge(tr, frame)
		if err != nil {
			return err
		}
		if d == nil {
			if m.newBridger != nil {
				m.logger.Debugf("track %s: bridging failed at frame %d", tr.Label, frame.Index)
			}
			tr.bridger = nil
			continue
		}
		if err := tr.Append(d); err != nil {
			return err
		}
	}
	return nil
}

// bridge returns the visual tracker's detection for tr in frame, or nil when it fails.
func (m *TrackManager) bridge(tr *Track, frame *Frame) (*Detection, error) {
	if m.newBridger == nil {
		return nil, nil
	}
	tail := tr.Tail()
	if tr.bridger == nil {
		if !tail.HasFrame() {
			return nil, nil
		}
		b := m.newBridger()
		if !b.Init(tail.BBox, tail.image()) {
			return nil, nil
		}
		tr.bridger = b
	}
	box, ok := tr.bridger.Update(frame.Image)
	if !ok {
		return nil, nil
	}
	if err := tail.ComputeFeature(m.features); err != nil {
		return nil, err
	}
	d := &Detection{
		BBox:    box,
		Label:   tail.Label,
		Feature: cloneFeature(tail.Feature),
		Bridged: true,
	}
	d.attach(frame)
	return d, nil
}

// predictMotion advances every track's motion model to frame so the cascade
// compares detections against where each object is expected to be.
func (m *TrackManager) predictMotion(frame *Frame) {
	canvas := frame.Canvas()
	for _, tr := range m.active {
		tr.predicted = image.Rectangle{}
		if tr.motion == nil {
			continue
		}
		dt := float64(frame.Index-tr.motionFrame) * m.cfg.frameTimeStep()
		tr.predicted = tr.motion.Predict(dt, canvas)
		tr.motionFrame = frame.Index
	}
}

// updateMotion corrects the motion model of every track extended this frame
// and writes the filtered box back to the tail.
func (m *TrackManager) updateMotion(frame *Frame) error {
	for _, tr := range m.active {
		tail := tr.Tail()
		if tail.Frame != frame.Index {
			continue
		}
		if tr.motion == nil {
			tr.motion = kalman.New(tail.BBox, m.cfg.MotionProcessNoise, m.cfg.MotionMeasurementNoise)
			tr.motionFrame = frame.Index
			continue
		}
		if tr.motionFrame != frame.Index {
			dt := float64(frame.Index-tr.motionFrame) * m.cfg.frameTimeStep()
			tr.motion.Predict(dt, tail.canvas)
			tr.motionFrame = frame.Index
		}
		smoothed, err := tr.motion.Correct(tail.BBox)
		if err != nil {
			return errors.Wrapf(err, "smoothing track %s", tr.Label)
		}
		if !tail.canvas.Empty() {
			smoothed = smoothed.Intersect(tail.canvas)
		}
		if !smoothed.Empty() {
			tail.BBox = smoothed
		}
	}
	return nil
}
