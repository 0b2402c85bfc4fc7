package object_tracker

import (
	"math"

	hg "github.com/charles-haynes/munkres"
	"github.com/pkg/errors"
)

// unassignableCost fills dummy cells and pairs that may never be matched.
// The solver does not accept infinities.
const unassignableCost = 1e6

// NoMatch marks a track that received no detection.
const NoMatch = -1

// Assign pairs tracks with detections so that the total cost is minimal.
// The result maps each track index to a detection index or NoMatch. A
// detection is only eligible for a track when it is later than the track's
// tail, and pairs costing more than maxCost are rejected after solving.
func Assign(tracks []*Track, dets []*Detection, cost CostFunc, maxCost float64) ([]int, error) {
	out := make([]int, len(tracks))
	for i := range out {
		out[i] = NoMatch
	}
	if len(tracks) == 0 || len(dets) == 0 {
		return out, nil
	}

	costMtx := BuildCostMatrix(tracks, dets, cost)
	matches, err := solveMinCost(costMtx)
	if err != nil {
		return nil, err
	}

	for ti := range tracks {
		di := matches[ti]
		if di < 0 || di >= len(dets) {
			continue
		}
		c := costMtx[ti][di]
		if c >= unassignableCost || c > maxCost {
			continue
		}
		out[ti] = di
	}
	return out, nil
}

// BuildCostMatrix sets up a square cost matrix for the Hungarian algorithm.
// Rows are tracks, columns detections; padding and temporally invalid pairs
// carry unassignableCost. A track with a motion prediction is compared through
// its predicted box.
func BuildCostMatrix(tracks []*Track, dets []*Detection, cost CostFunc) [][]float64 {
	n := max(len(tracks), len(dets))
	costMtx := make([][]float64, n)
	for i := range costMtx {
		row := make([]float64, n)
		for j := range row {
			row[j] = unassignableCost
		}
		if i < len(tracks) {
			tail := tracks[i].Tail()
			ref := tracks[i].matchReference()
			for j, d := range dets {
				if d.Frame <= tail.Frame {
					continue
				}
				c := cost(ref, d)
				if math.IsNaN(c) || c > unassignableCost {
					c = unassignableCost
				}
				row[j] = c
			}
		}
		costMtx[i] = row
	}
	return costMtx
}

// solveMinCost runs Munkres' method on a square matrix and returns the column
// assigned to each row.
func solveMinCost(costMtx [][]float64) ([]int, error) {
	HA, err := hg.NewHungarianAlgorithm(costMtx)
	if err != nil {
		return nil, errors.Wrap(err, "building assignment problem")
	}
	return HA.Execute(), nil
}
