// Command replay runs recorded detections through the tracker.
//
// It reads one JSON object per line from stdin:
//
//	{"frame":12,"info":{"width":1280,"height":720},"items":[{"bbox":[x,y,w,h],"prob":0.9,"label":"cat"}]}
//
// and writes one JSON object per finished track to stdout. When -frames is
// given, frame images are loaded so appearance features and gap bridging can run.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"

	tracker "github.com/viam-modules/multi-object-tracker/object_tracker"
	"github.com/viam-modules/multi-object-tracker/object_tracker/bridge"
)

const maxLineSize = 10 << 20

type options struct {
	cfg          tracker.TrackerConfig
	framePattern string
	debug        bool
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSON tracker config file")
	maxGap := fs.Int("maxgap", 0, "Max frames a track may go without a detection")
	interval := fs.Int("interval", 0, "Frames skipped between detector runs")
	iou := fs.Float64("iou", 0, "Max IOU distance for a match")
	feature := fs.Float64("feature", 0, "Max feature distance for a match")
	center := fs.Float64("center", 0, "Max normalized center distance for a match")
	smooth := fs.Bool("smooth", true, "Kalman smoothing of track boxes")
	frames := fs.String("frames", "", "printf pattern of frame image paths, e.g. frames/%06d.png")
	debug := fs.Bool("debug", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{cfg: tracker.DefaultTrackerConfig(), framePattern: *frames, debug: *debug}
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			return options{}, errors.Wrap(err, "reading config")
		}
		if err := json.Unmarshal(raw, &opts.cfg); err != nil {
			return options{}, errors.Wrapf(err, "parsing config %s", *configPath)
		}
	}
	// flags given explicitly win over the config file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "maxgap":
			opts.cfg.MaxFrameGap = *maxGap
		case "interval":
			opts.cfg.DetectionFrameInterval = *interval
		case "iou":
			opts.cfg.MaxIOUDistance = *iou
		case "feature":
			opts.cfg.MaxFeatureDistance = *feature
		case "center":
			opts.cfg.MaxCenterDistance = *center
		case "smooth":
			opts.cfg.MotionSmoothingEnabled = *smooth
		}
	})
	return opts, opts.cfg.Validate()
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.NewLogger("replay")
	if opts.debug {
		logger = logging.NewDebugLogger("replay")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, opts, os.Stdin, os.Stdout, logger)
	stop()
	if err != nil {
		logger.Errorw("replay failed", "error", err)
		os.Exit(1)
	}
}

// replayDetector hands the manager the detections recorded for the current line.
type replayDetector struct {
	pending []*tracker.Detection
}

func (r *replayDetector) Detect(ctx context.Context, frame *tracker.Frame) ([]*tracker.Detection, error) {
	dets := r.pending
	r.pending = nil
	return dets, nil
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer, logger logging.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	detector := &replayDetector{}
	c := tracker.Collaborators{Detector: detector, Sink: &jsonLinesSink{w: out}}
	if opts.framePattern != "" {
		c.Features = tracker.NewHistogramExtractor()
		c.Bridger = func() tracker.VisualTracker { return bridge.New(bridge.DefaultConfig()) }
	}
	m, err := tracker.NewTrackManager(opts.cfg, c, logger)
	if err != nil {
		return err
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	viamutils.ManagedGo(func() {
		s := bufio.NewScanner(in)
		s.Buffer(make([]byte, 0, 64<<10), maxLineSize)
		for s.Scan() {
			line := append([]byte(nil), s.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- s.Err()
	}, func() { close(lines) })

	lineNo := 0
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted, finishing active tracks")
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			lineNo++
			if len(line) == 0 {
				continue
			}
			frame, dets, err := parseLine(line)
			if err != nil {
				return errors.Wrapf(err, "line %d", lineNo)
			}
			if opts.framePattern != "" {
				path := fmt.Sprintf(opts.framePattern, frame.Index)
				if frame.Image, err = imaging.Open(path); err != nil {
					return errors.Wrapf(err, "loading frame %d", frame.Index)
				}
			}
			detector.pending = dets
			err = m.ProcessFrame(ctx, frame)
			// items on frames the detector skips are dropped
			detector.pending = nil
			if err != nil {
				return errors.Wrapf(err, "line %d", lineNo)
			}
			m.DrainFinished()
		}
	}

	select {
	case err := <-readErr:
		if err != nil {
			return errors.Wrap(err, "reading detections")
		}
	default:
	}
	tracks, err := m.Finish()
	if err != nil {
		return err
	}
	logger.Debugf("flushed %d tracks at end of input", len(tracks))
	return ctx.Err()
}

// parseLine decodes one input record. Boxes are [x, y, w, h] in pixels.
func parseLine(line []byte) (*tracker.Frame, []*tracker.Detection, error) {
	if !gjson.ValidBytes(line) {
		return nil, nil, errors.New("invalid json")
	}
	doc := gjson.ParseBytes(line)
	idx := doc.Get("frame")
	if !idx.Exists() {
		return nil, nil, errors.New("missing frame index")
	}
	frame := &tracker.Frame{
		Index:  int(idx.Int()),
		Bounds: image.Rect(0, 0, int(doc.Get("info.width").Int()), int(doc.Get("info.height").Int())),
	}

	var dets []*tracker.Detection
	var parseErr error
	doc.Get("items").ForEach(func(_, item gjson.Result) bool {
		bb := item.Get("bbox").Array()
		if len(bb) != 4 {
			parseErr = errors.Errorf("frame %d: bbox needs 4 values, got %d", frame.Index, len(bb))
			return false
		}
		x, y, w, h := bb[0].Float(), bb[1].Float(), bb[2].Float(), bb[3].Float()
		d := &tracker.Detection{
			BBox:       image.Rect(roundInt(x), roundInt(y), roundInt(x+w), roundInt(y+h)),
			Confidence: item.Get("prob").Float(),
			Label:      item.Get("label").String(),
		}
		for _, v := range item.Get("feature").Array() {
			d.Feature = append(d.Feature, v.Float())
		}
		dets = append(dets, d)
		return true
	})
	if parseErr != nil {
		return nil, nil, parseErr
	}
	return frame, dets, nil
}

func roundInt(v float64) int {
	return int(math.Round(v))
}

// jsonLinesSink writes each finished track as one JSON line.
type jsonLinesSink struct {
	w io.Writer
}

func (s *jsonLinesSink) TrackFinished(tr *tracker.Track) error {
	out := `{"detections":[]}`
	var err error
	set := func(doc *string, path string, v interface{}) {
		if err == nil {
			*doc, err = sjson.Set(*doc, path, v)
		}
	}
	set(&out, "id", tr.ID)
	set(&out, "label", tr.Label)
	set(&out, "class", tracker.ClassOf(tr.Label))
	set(&out, "start", tr.StartFrame())
	set(&out, "stop", tr.StopFrame())
	for _, d := range tr.Detections() {
		det := "{}"
		set(&det, "frame", d.Frame)
		set(&det, "bbox", []int{d.BBox.Min.X, d.BBox.Min.Y, d.BBox.Dx(), d.BBox.Dy()})
		set(&det, "prob", d.Confidence)
		if d.Bridged {
			set(&det, "bridged", true)
		}
		if err == nil {
			out, err = sjson.SetRaw(out, "detections.-1", det)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "encoding track %s", tr.Label)
	}
	_, err = fmt.Fprintln(s.w, out)
	return err
}
