package motion

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mikeyg42/dashcam/internal/frame"
	"github.com/mikeyg42/dashcam/internal/notify"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

// ErrStaleFrame is returned for a frame whose timestamp is not after the
// last frame the detector processed.
var ErrStaleFrame = errors.New("frame is not newer than the last processed frame")

// Displacement is the mean absolute movement of the tracked grid between two
// frames, in pixels.
type Displacement struct {
	DX, DY float64
	Points int // grid points tracked successfully
}

// Tracker measures displacement against the previous frame it was given.
// It keeps at most one previous frame.
type Tracker interface {
	// Update returns the displacement from the previous frame to f. first is
	// true when there was no previous frame to compare against.
	Update(f *frame.Frame) (d Displacement, first bool, err error)
	Reset()
	Close() error
}

// Config contains motion detection configuration
type Config struct {
	PixelThreshold      float64
	MotionlessThreshold int
}

// Sample is the result of one comparison.
type Sample struct {
	Displacement
	Motion bool
}

// Motionless is the negation of Motion.
func (s Sample) Motionless() bool { return !s.Motion }

// MotionStats holds detector counters.
type MotionStats struct {
	FramesProcessed  int64
	MotionFrames     int64
	MotionlessFrames int64
	Errors           int64
	StaleFrames      int64
	MotionlessEvents int64
	ResumedEvents    int64
	LastMotionTime   time.Time
	ProcessingTime   time.Duration
}

// Detector decides whether the scene moved between consecutive frames.
type Detector struct {
	config  Config
	tracker Tracker
	events  notify.Publisher
	logger  recorderlog.Logger

	mu         sync.Mutex
	isRunning  bool
	still      int  // consecutive motionless comparisons
	motionless bool // latched once still crosses the threshold
	last       time.Time
	stats      MotionStats
}

// NewDetector creates a detector. events may be nil.
func NewDetector(cfg Config, tracker Tracker, events notify.Publisher, logger recorderlog.Logger) (*Detector, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if cfg.PixelThreshold <= 0 {
		return nil, fmt.Errorf("pixel threshold must be positive")
	}
	if cfg.MotionlessThreshold <= 0 {
		cfg.MotionlessThreshold = 30
	}
	if events == nil {
		events = notify.Discard{}
	}
	return &Detector{
		config:    cfg,
		tracker:   tracker,
		events:    events,
		logger:    recorderlog.OrGlobal(logger, "motion"),
		isRunning: true,
	}, nil
}

// Process compares f against the previous frame. The caller keeps ownership
// of f. The first frame after Start or Reset always counts as motion. Frames
// arriving out of order are dropped with ErrStaleFrame and leave the tracker
// untouched.
func (d *Detector) Process(f *frame.Frame) (Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isRunning {
		return Sample{}, fmt.Errorf("detector stopped")
	}
	if !d.last.IsZero() && !f.Timestamp.After(d.last) {
		d.stats.StaleFrames++
		return Sample{}, ErrStaleFrame
	}

	start := time.Now()
	defer func() {
		d.stats.ProcessingTime = time.Since(start)
	}()

	disp, first, err := d.tracker.Update(f)
	if err != nil {
		d.stats.Errors++
		return Sample{}, fmt.Errorf("optical flow failed: %w", err)
	}
	d.last = f.Timestamp
	d.stats.FramesProcessed++

	s := Sample{Displacement: disp}
	s.Motion = first ||
		math.Abs(disp.DX) > d.config.PixelThreshold ||
		math.Abs(disp.DY) > d.config.PixelThreshold

	if s.Motion {
		d.stats.MotionFrames++
		d.stats.LastMotionTime = f.Timestamp
		d.still = 0
		if d.motionless {
			d.motionless = false
			d.stats.ResumedEvents++
			d.logger.Info("Motion resumed")
			d.events.Publish(notify.Event{Kind: notify.MotionResumed, At: f.Timestamp})
		}
		return s, nil
	}

	d.stats.MotionlessFrames++
	d.still++
	if !d.motionless && d.still >= d.config.MotionlessThreshold {
		d.motionless = true
		d.stats.MotionlessEvents++
		d.logger.Info("Camera motionless", recorderlog.Int("frames", d.still))
		d.events.Publish(notify.Event{Kind: notify.MotionlessDetected, At: f.Timestamp})
	}
	return s, nil
}

// Motionless reports whether the detector is latched in the motionless state.
func (d *Detector) Motionless() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motionless
}

func (d *Detector) GetStats() MotionStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return nil
	}
	d.resetLocked()
	d.isRunning = true
	return nil
}

// Reset drops the previous frame so the next one counts as motion.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Detector) resetLocked() {
	d.tracker.Reset()
	d.last = time.Time{}
	d.still = 0
	d.motionless = false
}

// Stop halts motion detection
func (d *Detector) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isRunning = false
	return nil
}

// Close releases resources
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.isRunning = false
	if err := d.tracker.Close(); err != nil {
		return fmt.Errorf("error closing tracker: %w", err)
	}
	return nil
}

// IsRunning returns the current detection status
func (d *Detector) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isRunning
}
