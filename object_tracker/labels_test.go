package object_tracker

import (
	"testing"

	"go.viam.com/test"
)

func TestTrackLabelerCountsPerClass(t *testing.T) {
	l := newTrackLabeler()
	test.That(t, l.next("Cat"), test.ShouldEqual, "cat_0")
	test.That(t, l.next("dog"), test.ShouldEqual, "dog_0")
	test.That(t, l.next("cat_7"), test.ShouldEqual, "cat_1")
	test.That(t, l.next(""), test.ShouldEqual, "object_0")
	test.That(t, ClassOf("cat_1"), test.ShouldEqual, "cat")
}
