// Package notify delivers pipeline events to subscribers on a single
// dispatcher goroutine, the one place UI-facing code runs.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

// Kind identifies an event.
type Kind int

const (
	RecordingAccepted Kind = iota
	RecordingRejected
	RecordingDeferred
	StateChanged
	MotionlessDetected
	MotionResumed
	ClipSaved
	ClipCorrupted
	ClipFailed
	PipelineStalled
	CameraError
)

var kindNames = map[Kind]string{
	RecordingAccepted:  "recording_accepted",
	RecordingRejected:  "recording_rejected",
	RecordingDeferred:  "recording_deferred",
	StateChanged:       "state_changed",
	MotionlessDetected: "motionless_detected",
	MotionResumed:      "motion_resumed",
	ClipSaved:          "clip_saved",
	ClipCorrupted:      "clip_corrupted",
	ClipFailed:         "clip_failed",
	PipelineStalled:    "pipeline_stalled",
	CameraError:        "camera_error",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is one notification.
type Event struct {
	Kind      Kind
	At        time.Time
	SessionID string
	Detail    string
	Path      string
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// Subscriber receives events on the dispatcher goroutine.
type Subscriber func(Event)

// Dispatcher fans events out to subscribers from one goroutine.
type Dispatcher struct {
	events chan Event
	logger recorderlog.Logger

	mu   sync.RWMutex
	subs []Subscriber

	running atomic.Bool
	done    chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher with a queue of size entries.
func NewDispatcher(size int, logger recorderlog.Logger) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	return &Dispatcher{
		events: make(chan Event, size),
		logger: recorderlog.OrGlobal(logger, "notify"),
		done:   make(chan struct{}),
	}
}

// Subscribe registers s. Safe to call while running.
func (d *Dispatcher) Subscribe(s Subscriber) {
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
}

// Publish queues e; a full queue drops the event.
func (d *Dispatcher) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case d.events <- e:
		d.published.Add(1)
	default:
		d.dropped.Add(1)
		d.logger.Warn("Event dropped, queue full", recorderlog.String("kind", e.Kind.String()))
	}
}

// Run dispatches until ctx is done, then delivers what is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer close(d.done)
	for {
		select {
		case e := <-d.events:
			d.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-d.events:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) deliver(e Event) {
	d.mu.RLock()
	subs := d.subs
	d.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Subscriber panicked", recorderlog.Any("panic", r), recorderlog.String("kind", e.Kind.String()))
				}
			}()
			s(e)
		}()
	}
}

// Metrics returns dispatcher statistics
func (d *Dispatcher) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"published": d.published.Load(),
		"dropped":   d.dropped.Load(),
		"queued":    len(d.events),
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
