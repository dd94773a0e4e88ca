// Package admission decides whether a recording may start and owns the
// IDLE -> RECORDING -> SAVING -> IDLE lifecycle of a clip.
package admission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/dashcam/internal/coord"
	"github.com/mikeyg42/dashcam/internal/notify"
	"github.com/mikeyg42/dashcam/internal/recorder/circular"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

// State is the admission machine state.
type State int

const (
	Idle State = iota
	Recording
	Saving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Saving:
		return "saving"
	default:
		return "unknown"
	}
}

// Outcome is the answer to a RecordingRequest.
type Outcome int

const (
	Accepted Outcome = iota
	TooFrequent
	ConsecutiveRecording
	Failed
	OrientationError
	Busy
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case TooFrequent:
		return "too_frequent"
	case ConsecutiveRecording:
		return "consecutive_recording"
	case Failed:
		return "failed"
	case OrientationError:
		return "orientation_error"
	case Busy:
		return "busy"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Result classifies a finished clip.
type Result int

const (
	ResultSuccess Result = iota
	ResultCorrupted
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultCorrupted:
		return "corrupted"
	default:
		return "failed"
	}
}

// RecordingRequest asks for a clip to be saved.
type RecordingRequest struct {
	// RequestedAt is when the event was detected. Cooldown is measured from
	// it; zero means now.
	RequestedAt time.Time
	Label       string
	Confidence  float64
	// WorkflowMetadata is an opaque blob embedded in the clip as given.
	WorkflowMetadata string
	// Manual requests come from the user rather than the classifier.
	Manual bool
	// Rerecord asks to be queued if a clip is already being saved.
	Rerecord bool
}

// Session is an accepted request.
type Session struct {
	ID        string
	Path      string
	StartedAt time.Time
	Request   RecordingRequest
}

// Completed is handed to the Finalizer for successful clips.
type Completed struct {
	Session Session
	Save    circular.SaveResult
}

// Recorder is the circular encoder's save surface.
type Recorder interface {
	Save(sessionID, path string) error
	CancelSave()
}

// WindowSink is told when a recording window opens and when its session
// ends, whatever the outcome.
type WindowSink interface {
	BeginWindow(start time.Time)
	EndWindow(start time.Time)
}

// Finalizer receives successful clips.
type Finalizer interface {
	Finalize(c Completed)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a scheduled function.
type Stopper interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Config holds admission rules.
type Config struct {
	ClipDir        string
	Cooldown       time.Duration
	LivenessMaxAge time.Duration
	MinClipBytes   int64
	RerecordDelay  time.Duration
	WatchdogPeriod time.Duration
	// SessionTimeout resets a session whose save never reports back.
	SessionTimeout time.Duration
	// CheckSpace, when set, is consulted before a session starts.
	CheckSpace func() error
}

// Deps are the collaborators of a Machine.
type Deps struct {
	State     *coord.State
	Recorder  Recorder
	Window    WindowSink
	Finalizer Finalizer
	Events    notify.Publisher
	Clock     Clock
	Logger    recorderlog.Logger
}

// Machine is the recording admission state machine.
type Machine struct {
	cfg    Config
	coord  *coord.State
	rec    Recorder
	window WindowSink
	fin    Finalizer
	events notify.Publisher
	clock  Clock
	logger recorderlog.Logger

	mu        sync.Mutex
	state     State
	lastStart time.Time
	session   *Session
	aborted   bool
	deferred  *RecordingRequest
	timer     Stopper
	closed    bool

	stats struct {
		accepted, rejected, deferred uint64
		succeeded, corrupted, failed uint64
		stalled                      uint64
	}
}

// New creates a Machine. Recorder may be set later with SetRecorder.
func New(cfg Config, d Deps) *Machine {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.LivenessMaxAge <= 0 {
		cfg.LivenessMaxAge = 3 * time.Second
	}
	if cfg.MinClipBytes <= 0 {
		cfg.MinClipBytes = 2 << 20
	}
	if cfg.RerecordDelay <= 0 {
		cfg.RerecordDelay = time.Second
	}
	if cfg.WatchdogPeriod <= 0 {
		cfg.WatchdogPeriod = time.Second
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 2 * time.Minute
	}
	m := &Machine{
		cfg:    cfg,
		coord:  d.State,
		rec:    d.Recorder,
		window: d.Window,
		fin:    d.Finalizer,
		events: d.Events,
		clock:  d.Clock,
		logger: recorderlog.OrGlobal(d.Logger, "admission"),
	}
	if m.coord == nil {
		m.coord = coord.New()
	}
	if m.events == nil {
		m.events = notify.Discard{}
	}
	if m.clock == nil {
		m.clock = realClock{}
	}
	return m
}

// SetRecorder wires the circular encoder, which is built after the machine
// because its callbacks point back here.
func (m *Machine) SetRecorder(r Recorder) {
	m.mu.Lock()
	m.rec = r
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Request evaluates req and starts a session if it is admitted.
func (m *Machine) Request(req RecordingRequest) Outcome {
	m.mu.Lock()
	if m.closed || m.rec == nil {
		m.mu.Unlock()
		return Failed
	}

	if m.state != Idle {
		if req.Rerecord && m.deferred == nil {
			r := req
			m.deferred = &r
			m.stats.deferred++
			m.mu.Unlock()
			m.publish(notify.RecordingDeferred, "", req.Label, "")
			return Deferred
		}
		m.stats.rejected++
		m.mu.Unlock()
		m.logger.Debug("Request rejected, session active", recorderlog.String("label", req.Label))
		return Busy
	}

	now := m.clock.Now()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	if out, ok := m.checkLocked(req, now); !ok {
		m.stats.rejected++
		m.mu.Unlock()
		m.logger.Info("Recording rejected",
			recorderlog.String("outcome", out.String()),
			recorderlog.String("label", req.Label),
			recorderlog.Bool("manual", req.Manual))
		m.publish(notify.RecordingRejected, "", out.String(), "")
		return out
	}

	s := &Session{
		ID:        uuid.NewString(),
		StartedAt: now,
		Request:   req,
	}
	s.Path = filepath.Join(m.cfg.ClipDir, clipName(s))

	prevStart := m.lastStart
	m.lastStart = req.RequestedAt
	m.session = s
	m.aborted = false
	m.state = Recording
	m.coord.SetRecording(true)
	if m.window != nil {
		m.window.BeginWindow(now)
	}

	if err := m.rec.Save(s.ID, s.Path); err != nil {
		if m.window != nil {
			m.window.EndWindow(now)
		}
		m.lastStart = prevStart
		m.session = nil
		m.state = Idle
		m.coord.ClearRecording()
		m.stats.failed++
		m.mu.Unlock()
		m.logger.Error("Encoder refused save", recorderlog.Error(err), recorderlog.String("session", s.ID))
		m.publish(notify.RecordingRejected, s.ID, Failed.String(), "")
		return Failed
	}
	m.stats.accepted++
	m.mu.Unlock()

	m.logger.Info("Recording accepted",
		recorderlog.String("session", s.ID),
		recorderlog.String("label", req.Label),
		recorderlog.Float64("confidence", req.Confidence))
	m.publish(notify.RecordingAccepted, s.ID, req.Label, s.Path)
	m.publish(notify.StateChanged, s.ID, Recording.String(), "")
	return Accepted
}

func (m *Machine) checkLocked(req RecordingRequest, now time.Time) (Outcome, bool) {
	if !m.lastStart.IsZero() && req.RequestedAt.Sub(m.lastStart) <= m.cfg.Cooldown {
		if req.Manual {
			return ConsecutiveRecording, false
		}
		return TooFrequent, false
	}
	if !m.coord.Live(now, m.cfg.LivenessMaxAge) {
		return Failed, false
	}
	if !m.coord.OrientationValid() && !m.coord.ExternalCamera() {
		return OrientationError, false
	}
	if m.cfg.CheckSpace != nil {
		if err := m.cfg.CheckSpace(); err != nil {
			m.logger.Warn("Insufficient clip storage", recorderlog.Error(err))
			return Failed, false
		}
	}
	return Accepted, true
}

// OnWriteStarted is the encoder callback for RECORDING -> SAVING.
func (m *Machine) OnWriteStarted(sessionID string) {
	m.mu.Lock()
	if m.session == nil || m.session.ID != sessionID || m.state != Recording {
		m.mu.Unlock()
		return
	}
	m.state = Saving
	m.coord.SetPendingSave(true)
	m.mu.Unlock()
	m.publish(notify.StateChanged, sessionID, Saving.String(), "")
}

// OnSaveComplete is the encoder callback for SAVING -> IDLE.
func (m *Machine) OnSaveComplete(res circular.SaveResult) {
	m.mu.Lock()
	if m.session == nil || m.session.ID != res.SessionID {
		m.mu.Unlock()
		m.logger.Warn("Save result for unknown session", recorderlog.String("session", res.SessionID))
		return
	}
	s := *m.session
	result := m.classify(res, m.aborted)
	m.finishLocked(result)
	m.mu.Unlock()

	m.report(s, res, result)
}

func (m *Machine) classify(res circular.SaveResult, aborted bool) Result {
	switch {
	case res.Err != nil || aborted:
		return ResultFailed
	case res.Size < m.cfg.MinClipBytes:
		return ResultCorrupted
	default:
		return ResultSuccess
	}
}

// finishLocked returns to IDLE and schedules a deferred request.
func (m *Machine) finishLocked(r Result) {
	m.session = nil
	m.aborted = false
	m.state = Idle
	m.coord.SetPendingSave(false)
	m.coord.ClearRecording()
	switch r {
	case ResultSuccess:
		m.stats.succeeded++
	case ResultCorrupted:
		m.stats.corrupted++
	default:
		m.stats.failed++
	}

	if m.deferred != nil && !m.closed {
		req := *m.deferred
		m.deferred = nil
		req.Rerecord = false
		req.RequestedAt = time.Time{}
		m.timer = m.clock.AfterFunc(m.cfg.RerecordDelay, func() {
			m.logger.Info("Running deferred recording", recorderlog.String("label", req.Label))
			m.Request(req)
		})
	}
}

func (m *Machine) report(s Session, res circular.SaveResult, r Result) {
	fields := []recorderlog.Field{
		recorderlog.String("session", s.ID),
		recorderlog.String("result", r.String()),
		recorderlog.Int64("size", res.Size),
		recorderlog.Uint64("frames", res.Frames),
	}
	switch r {
	case ResultSuccess:
		m.logger.Info("Clip saved", fields...)
		if m.fin != nil {
			m.fin.Finalize(Completed{Session: s, Save: res})
		}
		m.publish(notify.ClipSaved, s.ID, r.String(), res.Path)
	case ResultCorrupted:
		removeClip(res.Path, m.logger)
		m.logger.Warn("Clip too small, deleted", fields...)
		m.publish(notify.ClipCorrupted, s.ID, r.String(), res.Path)
	default:
		removeClip(res.Path, m.logger)
		if res.Err != nil {
			fields = append(fields, recorderlog.Error(res.Err))
		}
		m.logger.Error("Clip failed", fields...)
		m.publish(notify.ClipFailed, s.ID, r.String(), res.Path)
	}
	if m.window != nil {
		m.window.EndWindow(s.StartedAt)
	}
	m.publish(notify.StateChanged, s.ID, Idle.String(), "")
}

func removeClip(path string, logger recorderlog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to delete clip", recorderlog.String("path", path), recorderlog.Error(err))
	}
}

// Run starts the stall watchdog and blocks until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.WatchdogPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkStall()
		}
	}
}

// checkStall aborts an active session when the frame pipeline stops
// proving liveness, and resets one whose save never reported back.
func (m *Machine) checkStall() {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	s := *m.session

	if now.Sub(s.StartedAt) > m.cfg.SessionTimeout {
		m.stats.stalled++
		m.finishLocked(ResultFailed)
		m.mu.Unlock()
		m.logger.Error("Save never completed, session reset", recorderlog.String("session", s.ID))
		m.report(s, circular.SaveResult{SessionID: s.ID, Path: s.Path, Err: fmt.Errorf("session timed out")}, ResultFailed)
		return
	}

	if m.aborted || m.coord.Live(now, m.cfg.LivenessMaxAge) {
		m.mu.Unlock()
		return
	}
	m.aborted = true
	m.stats.stalled++
	rec := m.rec
	m.mu.Unlock()

	m.logger.Error("Frame pipeline stalled, aborting recording",
		recorderlog.String("session", s.ID),
		recorderlog.Time("last_frame", m.coord.LastFrameAt()))
	m.publish(notify.PipelineStalled, s.ID, "", "")
	rec.CancelSave()
}

// Close cancels a pending deferred request and refuses new ones.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.deferred = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Metrics returns admission counters
func (m *Machine) Metrics() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"state":     m.state.String(),
		"accepted":  m.stats.accepted,
		"rejected":  m.stats.rejected,
		"deferred":  m.stats.deferred,
		"succeeded": m.stats.succeeded,
		"corrupted": m.stats.corrupted,
		"failed":    m.stats.failed,
		"stalled":   m.stats.stalled,
	}
}

func (m *Machine) publish(k notify.Kind, session, detail, path string) {
	m.events.Publish(notify.Event{Kind: k, At: m.clock.Now(), SessionID: session, Detail: detail, Path: path})
}

func clipName(s *Session) string {
	label := s.Request.Label
	if label == "" {
		label = "event"
	}
	return fmt.Sprintf("%s_%s_%s.mkv", s.StartedAt.UTC().Format("20060102T150405Z"), sanitize(label), s.ID[:8])
}

func sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
