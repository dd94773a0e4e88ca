// Package ingest is the top-level consumer of camera frames: it keeps the
// liveness mark fresh, feeds the circular encoder, gates frames against the
// coordination flags and dispatches the survivors to motion detection and
// the event classifier on a bounded pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mikeyg42/dashcam/internal/coord"
	"github.com/mikeyg42/dashcam/internal/frame"
	"github.com/mikeyg42/dashcam/internal/motion"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

// Reason is why a frame was gated out.
type Reason int

const (
	ReasonPendingSave Reason = iota
	ReasonOrientation
	ReasonNoLocation
	ReasonSpeed
	ReasonForbiddenZone
	ReasonExcludedPath
	numReasons
)

var reasonNames = [numReasons]string{
	"pending_save", "orientation", "no_location", "speed", "forbidden_zone", "excluded_path",
}

func (r Reason) String() string {
	if r >= 0 && r < numReasons {
		return reasonNames[r]
	}
	return "unknown"
}

// Gate returns the first failing check for snap, in evaluation order.
func Gate(snap coord.Snapshot) (Reason, bool) {
	switch {
	case snap.PendingSave:
		return ReasonPendingSave, false
	case !snap.OrientationValid && !snap.ExternalCamera:
		return ReasonOrientation, false
	case !snap.LocationFix:
		return ReasonNoLocation, false
	case !snap.SpeedValid:
		return ReasonSpeed, false
	case snap.ForbiddenZone:
		return ReasonForbiddenZone, false
	case snap.ExcludedPath:
		return ReasonExcludedPath, false
	}
	return 0, true
}

// Classifier decides whether a frame shows an event worth recording. The
// frame is only valid for the duration of the call.
type Classifier interface {
	Classify(ctx context.Context, f *frame.Frame) error
}

// MotionDetector compares a frame with the previous one.
type MotionDetector interface {
	Process(f *frame.Frame) (motion.Sample, error)
}

// FrameSink receives one frame reference and becomes responsible for it.
type FrameSink interface {
	Feed(f *frame.Frame) bool
}

// Config controls throttling and concurrency.
type Config struct {
	Permits                  int
	SamplingInterval         time.Duration
	LowPowerSamplingInterval time.Duration
}

// Loop gates and dispatches frames.
type Loop struct {
	cfg        Config
	state      *coord.State
	detector   MotionDetector
	classifier Classifier
	encoder    FrameSink
	logger     recorderlog.Logger
	now        func() time.Time

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu       sync.Mutex
	lowPower bool

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	received   atomic.Uint64
	dispatched atomic.Uint64
	busy       atomic.Uint64
	throttled  atomic.Uint64
	still      atomic.Uint64
	stale      atomic.Uint64
	classified atomic.Uint64
	errors     atomic.Uint64
	gated      [numReasons]atomic.Uint64
}

// New creates a Loop. encoder may be nil when nothing records.
func New(cfg Config, state *coord.State, detector MotionDetector, classifier Classifier, encoder FrameSink, logger recorderlog.Logger) *Loop {
	if cfg.Permits <= 0 {
		cfg.Permits = 2
	}
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = 200 * time.Millisecond
	}
	if cfg.LowPowerSamplingInterval < cfg.SamplingInterval {
		cfg.LowPowerSamplingInterval = cfg.SamplingInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		cfg:        cfg,
		state:      state,
		detector:   detector,
		classifier: classifier,
		encoder:    encoder,
		logger:     recorderlog.OrGlobal(logger, "ingest"),
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(cfg.Permits)),
		limiter:    rate.NewLimiter(rate.Every(cfg.SamplingInterval), 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// HandleFrame takes ownership of f. It never blocks on downstream work.
func (l *Loop) HandleFrame(f *frame.Frame) {
	now := l.now()
	l.received.Add(1)
	l.state.MarkFrame(now)

	if l.closed.Load() {
		f.Close()
		return
	}

	if l.encoder != nil {
		l.encoder.Feed(f.Retain())
	}

	snap := l.state.Snapshot()
	if r, ok := Gate(snap); !ok {
		l.gated[r].Add(1)
		f.Close()
		return
	}

	if !l.sem.TryAcquire(1) {
		l.busy.Add(1)
		f.Close()
		return
	}
	if !l.allow(now, snap.LowPower) {
		l.sem.Release(1)
		l.throttled.Add(1)
		f.Close()
		return
	}

	l.dispatched.Add(1)
	go l.process(f, snap.NightMode)
}

// allow applies the sampling interval for the current power mode.
func (l *Loop) allow(now time.Time, lowPower bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lowPower != l.lowPower {
		l.lowPower = lowPower
		interval := l.cfg.SamplingInterval
		if lowPower {
			interval = l.cfg.LowPowerSamplingInterval
		}
		l.limiter.SetLimitAt(now, rate.Every(interval))
	}
	return l.limiter.AllowN(now, 1)
}

func (l *Loop) process(f *frame.Frame, night bool) {
	defer l.sem.Release(1)
	defer f.Close()
	defer func() {
		if r := recover(); r != nil {
			l.errors.Add(1)
			l.logger.Error("Frame processing panicked", recorderlog.Any("panic", r))
		}
	}()

	// night scenes are too dark for optical flow
	if !night && l.detector != nil {
		s, err := l.detector.Process(f)
		if errors.Is(err, motion.ErrStaleFrame) {
			l.stale.Add(1)
			return
		}
		if err != nil {
			l.errors.Add(1)
			l.logger.Debug("Motion detection failed", recorderlog.Error(err))
			return
		}
		if !s.Motion {
			l.still.Add(1)
			return
		}
	}

	if l.classifier == nil {
		return
	}
	if err := l.classifier.Classify(l.ctx, f); err != nil {
		l.errors.Add(1)
		l.logger.Warn("Classifier failed", recorderlog.Error(err))
		return
	}
	l.classified.Add(1)
}

// Close refuses new frames and waits for in-flight frames to finish.
func (l *Loop) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()
	if err := l.sem.Acquire(ctx, int64(l.cfg.Permits)); err != nil {
		return fmt.Errorf("in-flight frames did not finish: %w", err)
	}
	l.sem.Release(int64(l.cfg.Permits))
	return nil
}

// Metrics returns ingestion counters
func (l *Loop) Metrics() map[string]interface{} {
	gated := make(map[string]uint64, numReasons)
	for r := Reason(0); r < numReasons; r++ {
		gated[r.String()] = l.gated[r].Load()
	}
	return map[string]interface{}{
		"received":   l.received.Load(),
		"dispatched": l.dispatched.Load(),
		"busy":       l.busy.Load(),
		"throttled":  l.throttled.Load(),
		"motionless": l.still.Load(),
		"stale":      l.stale.Load(),
		"classified": l.classified.Load(),
		"errors":     l.errors.Load(),
		"gated":      gated,
	}
}
