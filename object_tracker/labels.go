package object_tracker

import (
	"strconv"
	"strings"
)

// DefaultClassName names tracks whose detections carry no label.
const DefaultClassName = "object"

// trackLabeler hands out track labels of the form classname_N, counting per class.
type trackLabeler struct {
	classCounter map[string]int
}

func newTrackLabeler() *trackLabeler {
	return &trackLabeler{classCounter: make(map[string]int)}
}

// next should be called whenever a new object appears.
// It will start or update a class counter for whichever class.
func (l *trackLabeler) next(class string) string {
	baseLabel := strings.ToLower(strings.Split(class, "_")[0])
	if baseLabel == "" {
		baseLabel = DefaultClassName
	}
	classCount, ok := l.classCounter[baseLabel]
	if !ok {
		l.classCounter[baseLabel] = 0
	} else {
		l.classCounter[baseLabel] = classCount + 1
	}
	return baseLabel + "_" + strconv.Itoa(l.classCounter[baseLabel])
}

// ClassOf returns the class part of a track label.
func ClassOf(label string) string {
	return strings.Split(label, "_")[0]
}
