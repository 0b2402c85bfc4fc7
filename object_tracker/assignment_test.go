package object_tracker

import (
	"image"
	"math"
	"testing"

	"go.viam.com/test"
)

func trackAt(frame int, box image.Rectangle) *Track {
	return newTrack(detAt(frame, box), "cat_0")
}

// bruteForceMin returns the minimal total cost over every permutation.
func bruteForceMin(costMtx [][]float64) float64 {
	n := len(costMtx)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	best := math.Inf(1)
	var permute func(k int)
	permute = func(k int) {
		if k == n {
			var sum float64
			for i, j := range perm {
				sum += costMtx[i][j]
			}
			best = math.Min(best, sum)
			return
		}
		for i := k; i < n; i++ {
			perm[k], perm[i] = perm[i], perm[k]
			permute(k + 1)
			perm[k], perm[i] = perm[i], perm[k]
		}
	}
	permute(0)
	return best
}

func TestSolveMinCostMatchesBruteForce(t *testing.T) {
	matrices := [][][]float64{
		{{4, 1, 3}, {2, 0, 5}, {3, 2, 2}},
		{{0.9, 0.1, 0.5}, {0.2, 0.8, 0.4}, {0.3, 0.3, 0.3}},
		{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}},
		{{0.5, unassignableCost, 0.2}, {unassignableCost, unassignableCost, 0.1}, {0.3, 0.4, unassignableCost}},
		{{7, 3, 9, 2}, {8, 6, 1, 4}, {2, 5, 7, 3}, {6, 9, 4, 8}},
	}
	for _, costMtx := range matrices {
		matches, err := solveMinCost(costMtx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(matches), test.ShouldEqual, len(costMtx))

		seen := make(map[int]bool)
		var total float64
		for row, col := range matches {
			test.That(t, seen[col], test.ShouldBeFalse)
			seen[col] = true
			total += costMtx[row][col]
		}
		test.That(t, total, test.ShouldAlmostEqual, bruteForceMin(costMtx), 1e-9)
	}
}

func TestAssignEmptyInputs(t *testing.T) {
	out, err := Assign(nil, []*Detection{detAt(1, testCanvas)}, IOUDistance, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldBeEmpty)

	out, err = Assign([]*Track{trackAt(0, testCanvas)}, nil, IOUDistance, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []int{NoMatch})
}

func TestAssignNeverMatchesPastDetections(t *testing.T) {
	box := image.Rect(10, 10, 60, 60)
	tracks := []*Track{trackAt(5, box)}

	same := detAt(5, box)
	earlier := detAt(4, box)
	out, err := Assign(tracks, []*Detection{same, earlier}, IOUDistance, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []int{NoMatch})

	later := detAt(6, image.Rect(300, 300, 350, 350))
	out, err = Assign(tracks, []*Detection{same, earlier, later}, IOUDistance, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []int{2})
}

func TestAssignRejectsAboveMaxCost(t *testing.T) {
	tracks := []*Track{trackAt(0, image.Rect(0, 0, 40, 40))}
	dets := []*Detection{detAt(1, image.Rect(30, 0, 70, 40))}

	out, err := Assign(tracks, dets, IOUDistance, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []int{NoMatch})

	out, err = Assign(tracks, dets, IOUDistance, 0.95)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []int{0})
}

func TestAssignPicksGlobalOptimum(t *testing.T) {
	tracks := []*Track{
		trackAt(0, image.Rect(0, 0, 100, 100)),
		trackAt(0, image.Rect(60, 0, 160, 100)),
	}
	dets := []*Detection{
		detAt(1, image.Rect(200, 200, 250, 250)),
		detAt(1, image.Rect(65, 0, 165, 100)),
		detAt(1, image.Rect(5, 0, 105, 100)),
	}
	out, err := Assign(tracks, dets, IOUDistance, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []int{2, 1})
}

func TestAssignIsIdempotent(t *testing.T) {
	tracks := []*Track{
		trackAt(0, image.Rect(0, 0, 50, 50)),
		trackAt(0, image.Rect(100, 0, 150, 50)),
		trackAt(0, image.Rect(200, 0, 250, 50)),
	}
	dets := []*Detection{
		detAt(1, image.Rect(105, 0, 155, 50)),
		detAt(1, image.Rect(2, 0, 52, 50)),
	}
	first, err := Assign(tracks, dets, IOUDistance, 0.7)
	test.That(t, err, test.ShouldBeNil)
	second, err := Assign(tracks, dets, IOUDistance, 0.7)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldResemble, first)
	test.That(t, first, test.ShouldResemble, []int{1, 0, NoMatch})
}

func TestBuildCostMatrixPadsToSquare(t *testing.T) {
	tracks := []*Track{trackAt(0, image.Rect(0, 0, 10, 10))}
	dets := []*Detection{detAt(1, image.Rect(0, 0, 10, 10)), detAt(0, image.Rect(0, 0, 10, 10))}
	costMtx := BuildCostMatrix(tracks, dets, IOUDistance)
	test.That(t, costMtx, test.ShouldResemble, [][]float64{
		{0, unassignableCost},
		{unassignableCost, unassignableCost},
	})
}
