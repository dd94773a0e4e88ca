package telemetry

import (
	"sync/atomic"

	"github.com/mikeyg42/dashcam/internal/coord"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

// Sink stores samples for later slicing.
type Sink interface {
	AddLocation(LocationSample)
	AddSensor(SensorSample)
}

// Fence answers area questions for a position.
type Fence interface {
	InForbidden(lat, lon float64) bool
	OnExcludedPath(lat, lon float64) bool
}

// RolePassenger devices record regardless of vehicle speed.
const RolePassenger = "passenger"

// FeedConfig bounds the speed considered valid for the device role.
type FeedConfig struct {
	Role        string
	MinSpeedMPS float64
	MaxSpeedMPS float64
	// MaxAccuracyM rejects fixes less precise than this; zero disables.
	MaxAccuracyM float64
}

// Feed is the entry point for telemetry producers.
type Feed struct {
	cfg    FeedConfig
	sink   Sink
	state  *coord.State
	fence  Fence
	logger recorderlog.Logger

	last atomic.Pointer[LocationSample]

	locations atomic.Uint64
	sensors   atomic.Uint64
	noFix     atomic.Uint64
}

// NewFeed creates a Feed. fence may be nil.
func NewFeed(cfg FeedConfig, sink Sink, state *coord.State, fence Fence, logger recorderlog.Logger) *Feed {
	return &Feed{
		cfg:    cfg,
		sink:   sink,
		state:  state,
		fence:  fence,
		logger: recorderlog.OrGlobal(logger, "telemetry"),
	}
}

// PushLocation records a fix and updates the location-derived flags.
func (f *Feed) PushLocation(l LocationSample) {
	f.locations.Add(1)
	f.sink.AddLocation(l)

	fix := l.Valid() && (f.cfg.MaxAccuracyM <= 0 || l.Accuracy <= f.cfg.MaxAccuracyM)
	f.state.SetLocationFix(fix)
	if !fix {
		f.noFix.Add(1)
		return
	}
	f.last.Store(&l)

	f.state.SetSpeedValid(f.speedValid(l.Speed))
	if f.fence != nil {
		f.state.SetForbiddenZone(f.fence.InForbidden(l.Lat, l.Lon))
		f.state.SetExcludedPath(f.fence.OnExcludedPath(l.Lat, l.Lon))
	}
}

// PushSensor records an inertial reading.
func (f *Feed) PushSensor(s SensorSample) {
	f.sensors.Add(1)
	f.sink.AddSensor(s)
}

// Last returns the most recent valid fix.
func (f *Feed) Last() (LocationSample, bool) {
	p := f.last.Load()
	if p == nil {
		return LocationSample{}, false
	}
	return *p, true
}

func (f *Feed) speedValid(v float64) bool {
	if f.cfg.Role == RolePassenger {
		return true
	}
	if v < f.cfg.MinSpeedMPS {
		return false
	}
	return f.cfg.MaxSpeedMPS <= 0 || v <= f.cfg.MaxSpeedMPS
}

// Metrics returns feed counters
func (f *Feed) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"locations": f.locations.Load(),
		"sensors":   f.sensors.Load(),
		"no_fix":    f.noFix.Load(),
	}
}
