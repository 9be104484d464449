// Package capture correlates camera frames with the forward-facing slice of
// the latest laser scan and appends each correlation to a capture log.
package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/banshee-data/lidarcam/internal/monitoring"
	"github.com/banshee-data/lidarcam/internal/sensormsg"
	"github.com/banshee-data/lidarcam/internal/timeutil"
)

var logf = monitoring.Component("capture")

// FrameWriter persists a decoded frame and returns the path it was written to.
type FrameWriter interface {
	WriteFrame(img image.Image) (string, error)
}

// RecordSink is the primary append-only capture log.
type RecordSink interface {
	Append(rec Record) error
}

// RecordListener is notified after a record reaches the sink. Listener
// errors are logged and never undo the append.
type RecordListener interface {
	OnRecord(rec Record) error
}

// RecordListenerFunc adapts a function to RecordListener.
type RecordListenerFunc func(rec Record) error

// OnRecord calls f(rec).
func (f RecordListenerFunc) OnRecord(rec Record) error { return f(rec) }

// Options configures a Node. Zero values fall back to defaults.
type Options struct {
	WindowDeg float64
	Clock     timeutil.Clock
	Location  *time.Location
}

// Counters tracks what the node has processed.
type Counters struct {
	Scans          uint64 `json:"scans"`
	Images         uint64 `json:"images"`
	Records        uint64 `json:"records"`
	DecodeErrors   uint64 `json:"decode_errors"`
	IOErrors       uint64 `json:"io_errors"`
	InvalidInputs  uint64 `json:"invalid_inputs"`
	ListenerErrors uint64 `json:"listener_errors"`
}

// Snapshot is a consistent copy of the node state.
type Snapshot struct {
	ImagePath  string
	Filtered   FilteredScan
	LastRecord *Record
	Counters   Counters
}

// Node owns the latest filtered scan and the latest image path.
//
// Handlers are meant to be called from a single dispatch goroutine. The
// mutex exists so Snapshot can be read from elsewhere.
type Node struct {
	frames    FrameWriter
	sink      RecordSink
	clock     timeutil.Clock
	loc       *time.Location
	windowDeg float64

	mu         sync.Mutex
	filtered   FilteredScan
	imagePath  string
	lastRecord *Record
	counters   Counters
	listeners  []RecordListener
}

// NewNode creates a node writing frames through frames and rows to sink.
func NewNode(frames FrameWriter, sink RecordSink, opts Options) *Node {
	if opts.WindowDeg <= 0 {
		opts.WindowDeg = DefaultWindowDeg
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Node{
		frames:    frames,
		sink:      sink,
		clock:     opts.Clock,
		loc:       opts.Location,
		windowDeg: opts.WindowDeg,
	}
}

// AddListener registers l to receive every appended record.
func (n *Node) AddListener(l RecordListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// OnScan replaces the stored filtered scan with the window of scan. On error
// the stored scan is left as it was.
func (n *Node) OnScan(scan *sensormsg.LaserScan) error {
	filtered, err := FilterScan(scan, n.windowDeg)

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.countError(err)
		return err
	}
	n.filtered = filtered
	n.counters.Scans++
	return nil
}

// OnImage decodes msg, writes it as a frame and, if a filtered scan is
// available, appends a record. A decode or write failure leaves the stored
// image path and the log untouched.
func (n *Node) OnImage(msg *sensormsg.Image) error {
	img, err := msg.ToImage()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDecode, err)
		n.fail(err)
		return err
	}

	path, err := n.frames.WriteFrame(img)
	if err != nil {
		err = fmt.Errorf("%w: image: %w", ErrIO, err)
		n.fail(err)
		return err
	}

	n.mu.Lock()
	n.imagePath = path
	n.counters.Images++
	rec, err := n.recordIfReady()
	listeners := n.listeners
	n.mu.Unlock()

	if err != nil || rec == nil {
		return err
	}
	for _, l := range listeners {
		if lerr := l.OnRecord(*rec); lerr != nil {
			logf("record listener failed for %s: %v", rec.ImagePath, lerr)
			n.mu.Lock()
			n.counters.ListenerErrors++
			n.mu.Unlock()
		}
	}
	return nil
}

// recordIfReady appends a record when both an image path and a non-empty
// filtered scan are held. It returns the appended record, or nil when there
// was nothing to log. Callers hold n.mu.
func (n *Node) recordIfReady() (*Record, error) {
	if n.imagePath == "" || n.filtered.Empty() {
		return nil, nil
	}

	snap := n.filtered.Clone()
	rec := Record{
		Timestamp: n.clock.Now().In(n.loc),
		ImagePath: n.imagePath,
		Ranges:    snap.Ranges,
		AnglesDeg: snap.AnglesDeg,
	}
	if err := n.sink.Append(rec); err != nil {
		err = fmt.Errorf("%w: log: %w", ErrIO, err)
		n.countError(err)
		return nil, err
	}
	n.counters.Records++
	n.lastRecord = &rec
	logf("Saved data: %s, Image: %s", rec.Timestamp.Format(TimestampLayout), rec.ImagePath)
	return &rec, nil
}

// Snapshot returns a copy of the current state.
func (n *Node) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := Snapshot{
		ImagePath: n.imagePath,
		Filtered:  n.filtered.Clone(),
		Counters:  n.counters,
	}
	if n.lastRecord != nil {
		rec := *n.lastRecord
		s.LastRecord = &rec
	}
	return s
}

func (n *Node) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.countError(err)
}

// countError bumps the counter for err's kind. Callers hold n.mu.
func (n *Node) countError(err error) {
	switch {
	case errors.Is(err, ErrDecode):
		n.counters.DecodeErrors++
	case errors.Is(err, ErrIO):
		n.counters.IOErrors++
	case errors.Is(err, ErrInvalidInput):
		n.counters.InvalidInputs++
	}
}
