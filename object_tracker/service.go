package object_tracker

import (
	"context"
	"encoding/json"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	rutils "go.viam.com/rdk/utils"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/multi-object-tracker/object_tracker/bridge"
)

// ModelName is the name of the model
const ModelName = "object-tracker"

// maxFinishedHistory bounds how many finished tracks wait for a "tracks" DoCommand.
const maxFinishedHistory = 256

var (
	// Model is the colon-delimited-triplet of the tracker service (viam:vision:object-tracker).
	Model            = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented = errors.New("unimplemented")

	DefaultMaxFrequency = 10.0
)

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor:           newTracker,
		AttributeMapConverter: newConfigFromAttributes,
	})
}

// Config names the detector (and optionally the camera) the tracker depends on.
type Config struct {
	CameraName   string             `json:"camera_name,omitempty"`
	DetectorName string             `json:"detector_name"`
	ChosenLabels map[string]float64 `json:"chosen_labels,omitempty"`
	MaxFrequency float64            `json:"max_frequency_hz,omitempty"`
	Tracking     *TrackerConfig     `json:"tracking,omitempty"`
}

// newConfigFromAttributes decodes attributes over the default tracker settings,
// so a partial "tracking" block only overrides what it names.
func newConfigFromAttributes(attributes rutils.AttributeMap) (*Config, error) {
	defaults := DefaultTrackerConfig()
	cfg := &Config{Tracking: &defaults}
	raw, err := json.Marshal(attributes)
	if err != nil {
		return nil, errors.Wrap(err, "encoding object tracker attributes")
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "decoding object tracker attributes")
	}
	return cfg, nil
}

// Validate validates the config and returns implicit dependencies.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.DetectorName == "" {
		return nil, nil, errors.Errorf(`expected "detector_name" attribute for object tracker %q`, path)
	}
	if cfg.MaxFrequency < 0 {
		return nil, nil, errors.New("frequency(Hz) must be a positive number")
	}
	tc := cfg.trackerConfig()
	if err := tc.Validate(); err != nil {
		return nil, nil, errors.Wrapf(err, "object tracker %q", path)
	}

	deps := []string{cfg.DetectorName}
	if cfg.CameraName != "" {
		deps = append(deps, cfg.CameraName)
	}
	return deps, nil, nil
}

func (cfg *Config) trackerConfig() TrackerConfig {
	tc := DefaultTrackerConfig()
	if cfg.Tracking != nil {
		tc = *cfg.Tracking
	}
	if len(cfg.ChosenLabels) > 0 {
		tc.ChosenLabels = cfg.ChosenLabels
	}
	return tc
}

// TrackSummary describes a finished track for the "tracks" DoCommand.
type TrackSummary struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	StartFrame int    `json:"start_frame"`
	StopFrame  int    `json:"stop_frame"`
	Length     int    `json:"length"`
}

type myTracker struct {
	resource.Named
	logger logging.Logger

	// mu guards everything below; TrackManager is single threaded.
	mu       sync.Mutex
	manager  *TrackManager
	frame    int
	current  []objdet.Detection
	currImg  image.Image
	finished []TrackSummary

	cam       camera.Camera
	camName   string
	frequency float64

	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

func newTracker(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	t := &myTracker{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
	}
	if err := t.Reconfigure(ctx, deps, conf); err != nil {
		return nil, err
	}
	return t, nil
}

// Reconfigure flushes the current tracks and starts over with the new settings.
func (t *myTracker) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	t.stop()

	trackerConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	detector, err := vision.FromDependencies(deps, trackerConfig.DetectorName)
	if err != nil {
		return errors.Wrapf(err, "unable to get detector %v for object tracker", trackerConfig.DetectorName)
	}
	var cam camera.Camera
	if trackerConfig.CameraName != "" {
		cam, err = camera.FromDependencies(deps, trackerConfig.CameraName)
		if err != nil {
			return errors.Wrapf(err, "unable to get camera %v for object tracker", trackerConfig.CameraName)
		}
	}

	manager, err := NewTrackManager(trackerConfig.trackerConfig(), Collaborators{
		Detector: NewVisionDetector(detector, nil),
		Features: NewHistogramExtractor(),
		Bridger:  func() VisualTracker { return bridge.New(bridge.DefaultConfig()) },
		Sink:     t,
	}, t.logger)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.manager != nil {
		if _, err := t.manager.Finish(); err != nil {
			t.logger.Warnf("flushing tracks before reconfigure: %v", err)
		}
	}
	t.manager = manager
	t.frame = 0
	t.current = nil
	t.currImg = nil
	t.cam = cam
	t.camName = trackerConfig.CameraName
	t.frequency = trackerConfig.MaxFrequency
	if t.frequency == 0 {
		t.frequency = DefaultMaxFrequency
	}
	t.mu.Unlock()

	if cam != nil {
		cancelableCtx, cancel := context.WithCancel(context.Background())
		t.cancelFunc = cancel
		t.activeBackgroundWorkers.Add(1)
		viamutils.ManagedGo(func() {
			t.run(cancelableCtx)
		}, t.activeBackgroundWorkers.Done)
	}
	return nil
}

// run is a cancelable loop that feeds camera images to the tracker at most
// frequency times per second.
func (t *myTracker) run(ctx context.Context) {
	period := time.Duration(float64(time.Second) / t.frequency)
	for {
		start := time.Now()
		img, err := camera.DecodeImageFromCamera(ctx, t.cam, nil, nil)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			t.logger.Errorf("can't get image. got err: %s", err)
		default:
			if _, err := t.track(ctx, img); err != nil && ctx.Err() == nil {
				t.logger.Errorf("can't track frame. got err: %s", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(max(period-time.Since(start), 0)):
		}
	}
}

// track runs one frame through the manager and returns the tracks seen in it,
// labeled with their track labels.
func (t *myTracker) track(ctx context.Context, img image.Image) ([]objdet.Detection, error) {
	if img == nil {
		return nil, errors.New("got nil image")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	frame := NewFrame(t.frame, img)
	t.frame++
	if err := t.manager.ProcessFrame(ctx, frame); err != nil {
		return nil, err
	}
	t.manager.DrainFinished()

	var dets []objdet.Detection
	for _, tr := range t.manager.ActiveTracks() {
		tail := tr.Tail()
		if tail.Frame != frame.Index {
			continue
		}
		dets = append(dets, objdet.NewDetection(img.Bounds(), tail.BBox, tail.Confidence, tr.Label))
	}
	t.current = dets
	t.currImg = img
	return dets, nil
}

// TrackFinished records a finished track. The manager calls it with mu held.
func (t *myTracker) TrackFinished(tr *Track) error {
	if len(t.finished) == maxFinishedHistory {
		t.finished = t.finished[1:]
	}
	t.finished = append(t.finished, TrackSummary{
		ID:         tr.ID,
		Label:      tr.Label,
		StartFrame: tr.StartFrame(),
		StopFrame:  tr.StopFrame(),
		Length:     tr.Len(),
	})
	return nil
}

func (t *myTracker) latest() ([]objdet.Detection, image.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]objdet.Detection(nil), t.current...), t.currImg
}

func (t *myTracker) checkCamera(cameraName string) error {
	if t.cam == nil || cameraName != t.camName {
		return errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	return nil
}

// DetectionsFromCamera returns the tracks found in the camera's latest frame.
func (t *myTracker) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if err := t.checkCamera(cameraName); err != nil {
		return nil, err
	}
	dets, _ := t.latest()
	return dets, nil
}

// Detections tracks img as the next frame. With a camera configured, the
// camera loop owns the frame sequence and the latest result is returned instead.
func (t *myTracker) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	if t.cam != nil {
		dets, _ := t.latest()
		return dets, nil
	}
	return t.track(ctx, img)
}

func (t *myTracker) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	return nil, errUnimplemented
}

func (t *myTracker) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return nil, errUnimplemented
}

func (t *myTracker) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (t *myTracker) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &vision.Properties{DetectionSupported: true}, nil
}

func (t *myTracker) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	if err := t.checkCamera(cameraName); err != nil {
		return viscapture.VisCapture{}, err
	}
	dets, img := t.latest()
	var out viscapture.VisCapture
	if opt.ReturnImage {
		out.Image = img
	}
	if opt.ReturnDetections {
		out.Detections = dets
	}
	return out, nil
}

// DoCommand supports {"tracks": true}, returning the tracks finished since the last call.
func (t *myTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if cmd["tracks"] != nil {
		t.mu.Lock()
		out["tracks"] = t.finished
		t.finished = nil
		t.mu.Unlock()
	}
	return out, nil
}

func (t *myTracker) stop() {
	if t.cancelFunc != nil {
		t.cancelFunc()
		t.activeBackgroundWorkers.Wait()
		t.cancelFunc = nil
	}
}

// Close stops the camera loop and finishes every active track.
func (t *myTracker) Close(ctx context.Context) error {
	t.stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.manager == nil {
		return nil
	}
	_, err := t.manager.Finish()
	return err
}
