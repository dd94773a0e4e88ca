// Package coord holds the process-wide coordination flags read by the gating
// loop and the recording admission machine. Every field is atomic so readers
// on the frame path never take a lock.
package coord

import (
	"sync/atomic"
	"time"
)

// State is the shared coordination state.
type State struct {
	recording        atomic.Bool
	pendingSave      atomic.Bool
	orientationValid atomic.Bool
	speedValid       atomic.Bool
	nightMode        atomic.Bool
	locationFix      atomic.Bool
	forbiddenZone    atomic.Bool
	excludedPath     atomic.Bool
	lowPower         atomic.Bool
	externalCamera   atomic.Bool

	lastFrameAt atomic.Int64 // unix nanos, 0 = never
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	Recording        bool
	PendingSave      bool
	OrientationValid bool
	SpeedValid       bool
	NightMode        bool
	LocationFix      bool
	ForbiddenZone    bool
	ExcludedPath     bool
	LowPower         bool
	ExternalCamera   bool
	LastFrameAt      time.Time
}

// New returns a State with orientation and speed assumed valid until a
// telemetry source says otherwise.
func New() *State {
	s := &State{}
	s.orientationValid.Store(true)
	s.speedValid.Store(true)
	return s
}

func (s *State) SetRecording(v bool)        { s.recording.Store(v) }
func (s *State) SetPendingSave(v bool)      { s.pendingSave.Store(v) }
func (s *State) SetOrientationValid(v bool) { s.orientationValid.Store(v) }
func (s *State) SetSpeedValid(v bool)       { s.speedValid.Store(v) }
func (s *State) SetNightMode(v bool)        { s.nightMode.Store(v) }
func (s *State) SetLocationFix(v bool)      { s.locationFix.Store(v) }
func (s *State) SetForbiddenZone(v bool)    { s.forbiddenZone.Store(v) }
func (s *State) SetExcludedPath(v bool)     { s.excludedPath.Store(v) }
func (s *State) SetLowPower(v bool)         { s.lowPower.Store(v) }
func (s *State) SetExternalCamera(v bool)   { s.externalCamera.Store(v) }

func (s *State) Recording() bool        { return s.recording.Load() }
func (s *State) PendingSave() bool      { return s.pendingSave.Load() }
func (s *State) OrientationValid() bool { return s.orientationValid.Load() }
func (s *State) NightMode() bool        { return s.nightMode.Load() }
func (s *State) LowPower() bool         { return s.lowPower.Load() }
func (s *State) ExternalCamera() bool   { return s.externalCamera.Load() }

// ClearRecording clears the recording flag and reports whether it was set.
func (s *State) ClearRecording() bool { return s.recording.Swap(false) }

// MarkFrame records that a frame arrived at t.
func (s *State) MarkFrame(t time.Time) { s.lastFrameAt.Store(t.UnixNano()) }

// LastFrameAt returns the last liveness mark, or the zero time.
func (s *State) LastFrameAt() time.Time {
	n := s.lastFrameAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Live reports whether a frame arrived within maxAge of now.
func (s *State) Live(now time.Time, maxAge time.Duration) bool {
	last := s.LastFrameAt()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) <= maxAge
}

// Snapshot copies every flag. Individual fields are consistent; the set as a
// whole is not read atomically.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Recording:        s.recording.Load(),
		PendingSave:      s.pendingSave.Load(),
		OrientationValid: s.orientationValid.Load(),
		SpeedValid:       s.speedValid.Load(),
		NightMode:        s.nightMode.Load(),
		LocationFix:      s.locationFix.Load(),
		ForbiddenZone:    s.forbiddenZone.Load(),
		ExcludedPath:     s.excludedPath.Load(),
		LowPower:         s.lowPower.Load(),
		ExternalCamera:   s.externalCamera.Load(),
		LastFrameAt:      s.LastFrameAt(),
	}
}
