package object_tracker

import (
	"math"

	"github.com/pkg/errors"

	"github.com/viam-modules/multi-object-tracker/object_tracker/kalman"
)

// TrackerConfig holds the per-job tracking parameters. It must not change
// after a TrackManager is built from it.
type TrackerConfig struct {
	// Detector-side gates applied before detections reach the tracker.
	MinDetectionSize    int                `json:"min_detection_size"`
	ConfidenceThreshold float64            `json:"confidence_threshold"`
	NMSThreshold        float64            `json:"nms_threshold"`
	ChosenLabels        map[string]float64 `json:"chosen_labels,omitempty"`

	// DetectionFrameInterval is the number of frames skipped between detector runs.
	DetectionFrameInterval int `json:"detection_frame_interval"`

	MaxIOUDistance     float64 `json:"max_iou_distance"`
	MaxFeatureDistance float64 `json:"max_feature_distance"`
	MaxCenterDistance  float64 `json:"max_center_distance"`
	MaxFrameGap        int     `json:"max_frame_gap"`

	DisableFeaturePass bool `json:"disable_feature_pass,omitempty"`
	DisableCenterPass  bool `json:"disable_center_pass,omitempty"`

	MotionSmoothingEnabled bool         `json:"motion_smoothing_enabled"`
	MotionProcessNoise     kalman.Noise `json:"motion_process_noise"`
	MotionMeasurementNoise kalman.Noise `json:"motion_measurement_noise"`
	// FrameTimeStep is the Kalman dt of one frame. Zero means 1.
	FrameTimeStep float64 `json:"frame_time_step,omitempty"`
}

// DefaultTrackerConfig returns the settings used when a job does not override them.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		ConfidenceThreshold:    0.2,
		NMSThreshold:           0.4,
		MaxIOUDistance:         0.7,
		MaxFeatureDistance:     0.3,
		MaxCenterDistance:      0.05,
		MaxFrameGap:            4,
		MotionSmoothingEnabled: true,
		MotionProcessNoise:     kalman.Noise{X: 1, Y: 1, W: 1, H: 1},
		MotionMeasurementNoise: kalman.Noise{X: 4, Y: 4, W: 16, H: 16},
	}
}

// Validate checks the config for values the tracker cannot run with.
func (cfg *TrackerConfig) Validate() error {
	if cfg.MinDetectionSize < 0 {
		return errors.New("attribute min_detection_size cannot be less than 0")
	}
	if cfg.NMSThreshold < 0 || cfg.NMSThreshold > 1 {
		return errors.New("attribute nms_threshold must be between 0.0 and 1.0")
	}
	if cfg.DetectionFrameInterval < 0 {
		return errors.New("attribute detection_frame_interval cannot be less than 0")
	}
	if cfg.MaxFrameGap < 0 {
		return errors.New("attribute max_frame_gap cannot be less than 0")
	}
	for name, v := range map[string]float64{
		"max_iou_distance":     cfg.MaxIOUDistance,
		"max_feature_distance": cfg.MaxFeatureDistance,
		"max_center_distance":  cfg.MaxCenterDistance,
		"frame_time_step":      cfg.FrameTimeStep,
	} {
		if v < 0 || math.IsNaN(v) {
			return errors.Errorf("attribute %s cannot be less than 0, got %v", name, v)
		}
	}
	if err := cfg.MotionProcessNoise.Validate(); err != nil {
		return errors.Wrap(err, "motion_process_noise")
	}
	if err := cfg.MotionMeasurementNoise.Validate(); err != nil {
		return errors.Wrap(err, "motion_measurement_noise")
	}
	return nil
}

func (cfg *TrackerConfig) frameTimeStep() float64 {
	if cfg.FrameTimeStep == 0 {
		return 1
	}
	return cfg.FrameTimeStep
}

func (cfg *TrackerConfig) isDetectionFrame(frame int) bool {
	return frame%(cfg.DetectionFrameInterval+1) == 0
}
