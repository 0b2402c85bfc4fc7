package object_tracker

import (
	"sort"
	"strings"
)

// DetectionFilter removes detections that should not reach the tracker.
type DetectionFilter func([]*Detection) []*Detection

// NewAdvancedFilter returns a filter that removes detections that do not have a
// class name in chosenLabels or do not exceed the associated minimum confidence.
// An empty input map will return all detections.
func NewAdvancedFilter(chosenLabels map[string]float64) DetectionFilter {
	return func(dets []*Detection) []*Detection {
		if len(chosenLabels) < 1 {
			return dets
		}
		out := make([]*Detection, 0, len(dets))
		for _, d := range dets {
			if minConf, ok := chosenLabels[strings.ToLower(d.Label)]; ok && d.Confidence > minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewConfidenceFilter keeps detections scoring at least minConf.
func NewConfidenceFilter(minConf float64) DetectionFilter {
	return func(dets []*Detection) []*Detection {
		out := make([]*Detection, 0, len(dets))
		for _, d := range dets {
			if d.Confidence >= minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewSizeFilter keeps detections whose width and height are both at least minSize.
func NewSizeFilter(minSize int) DetectionFilter {
	return func(dets []*Detection) []*Detection {
		if minSize <= 0 {
			return dets
		}
		out := make([]*Detection, 0, len(dets))
		for _, d := range dets {
			if d.BBox.Dx() >= minSize && d.BBox.Dy() >= minSize {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewNMSFilter applies greedy non-maximum suppression: a detection is dropped
// when it overlaps a higher scoring one with IOU above threshold. Zero disables it.
// Survivors keep their input order.
func NewNMSFilter(threshold float64) DetectionFilter {
	return func(dets []*Detection) []*Detection {
		if threshold <= 0 || len(dets) < 2 {
			return dets
		}
		order := make([]int, len(dets))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return dets[order[a]].Confidence > dets[order[b]].Confidence
		})

		suppressed := make([]bool, len(dets))
		for oi, i := range order {
			if suppressed[i] {
				continue
			}
			for _, j := range order[oi+1:] {
				if !suppressed[j] && IOU(dets[i].BBox, dets[j].BBox) > threshold {
					suppressed[j] = true
				}
			}
		}

		out := make([]*Detection, 0, len(dets))
		for i, d := range dets {
			if !suppressed[i] {
				out = append(out, d)
			}
		}
		return out
	}
}

// detectionFilters chains the gates configured in cfg.
func (cfg *TrackerConfig) detectionFilters() []DetectionFilter {
	return []DetectionFilter{
		NewAdvancedFilter(cfg.ChosenLabels),
		NewConfidenceFilter(cfg.ConfidenceThreshold),
		NewSizeFilter(cfg.MinDetectionSize),
		NewNMSFilter(cfg.NMSThreshold),
	}
}

func applyFilters(dets []*Detection, filters []DetectionFilter) []*Detection {
	for _, f := range filters {
		dets = f(dets)
	}
	return dets
}
