// Package circular keeps a rolling window of encoded video and flushes it,
// followed by live post-roll, into a clip file on demand.
//
// One goroutine owns the encoder and the ring. Frames are fed through a
// bounded queue; when the queue is full the newest frame is shed so the
// camera path never waits. A save runs in its own writer goroutine which is
// the only code touching the clip file.
package circular

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/dashcam/internal/frame"
	"github.com/mikeyg42/dashcam/internal/recorder/buffer"
	"github.com/mikeyg42/dashcam/internal/recorder/encoder"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

var (
	// ErrSaveInProgress is returned by Save while another save is running.
	ErrSaveInProgress = errors.New("save already in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("circular encoder closed")
	// ErrReleaseTimeout is returned by Close when the native encoder does not
	// release in time.
	ErrReleaseTimeout = errors.New("encoder release timed out")
)

// Config controls buffering and clip bounds.
type Config struct {
	RingDuration time.Duration
	MaxPackets   int
	PostRoll     time.Duration
	MaxDuration  time.Duration
	InputQueue   int
	SessionQueue int
	CloseTimeout time.Duration

	Width     int
	Height    int
	FrameRate float64
}

func (c *Config) withDefaults() {
	if c.RingDuration <= 0 {
		c.RingDuration = 15 * time.Second
	}
	if c.MaxPackets <= 0 {
		c.MaxPackets = 900
	}
	if c.PostRoll <= 0 {
		c.PostRoll = 10 * time.Second
	}
	if c.MaxDuration < c.PostRoll {
		c.MaxDuration = c.PostRoll
	}
	if c.InputQueue <= 0 {
		c.InputQueue = 8
	}
	if c.SessionQueue <= 0 {
		c.SessionQueue = 64
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
}

// SaveResult describes a finished save.
type SaveResult struct {
	SessionID   string
	Path        string
	Size        int64
	Frames      uint64
	Dropped     uint64
	TriggeredAt time.Time // timestamp of the newest frame when the save began
	FirstFrame  time.Time
	LastFrame   time.Time
	CompletedAt time.Time
	Cancelled   bool
	Err         error
}

// PreRoll is the footage before the trigger.
func (r SaveResult) PreRoll() time.Duration {
	if r.FirstFrame.IsZero() || r.TriggeredAt.Before(r.FirstFrame) {
		return 0
	}
	return r.TriggeredAt.Sub(r.FirstFrame)
}

// PostRoll is the footage after the trigger.
func (r SaveResult) PostRoll() time.Duration {
	if r.LastFrame.Before(r.TriggeredAt) {
		return 0
	}
	return r.LastFrame.Sub(r.TriggeredAt)
}

// Callbacks are invoked from the writer goroutine of a save.
type Callbacks struct {
	OnWriteStarted func(sessionID string)
	OnSaveComplete func(SaveResult)
}

type cmdKind int

const (
	cmdSave cmdKind = iota
	cmdCancel
)

type command struct {
	kind      cmdKind
	sessionID string
	path      string
}

// session is owned by the encoder goroutine; the writer only reads ch.
type session struct {
	id          string
	path        string
	ch          chan buffer.Packet
	preroll     []buffer.Packet
	triggeredAt time.Time
	wallStart   time.Time
	end         time.Time
	limit       time.Time
	dropped     atomic.Uint64
	cancelled   atomic.Bool
}

// Encoder is the circular video encoder.
type Encoder struct {
	cfg    Config
	enc    encoder.Encoder
	ring   *buffer.RingBuffer
	cb     Callbacks
	logger recorderlog.Logger
	now    func() time.Time

	input chan *frame.Frame
	cmds  chan command
	stop  chan struct{}
	done  chan struct{}

	feedMu  sync.RWMutex
	closed  bool
	started atomic.Bool

	rotation atomic.Int32
	saving   atomic.Bool
	latest   atomic.Int64 // unix nanos of newest encoded frame

	// only touched by the loop goroutine
	active *session

	writers sync.WaitGroup

	// Metrics
	framesIn     atomic.Uint64
	framesShed   atomic.Uint64
	encodeErrors atomic.Uint64
	sessionDrops atomic.Uint64
	savesStarted atomic.Uint64
	savesDone    atomic.Uint64
	savesFailed  atomic.Uint64
}

// New creates an encoder; call Start to begin consuming frames.
func New(cfg Config, enc encoder.Encoder, cb Callbacks, logger recorderlog.Logger) *Encoder {
	cfg.withDefaults()
	return &Encoder{
		cfg:    cfg,
		enc:    enc,
		ring:   buffer.NewRingBuffer(cfg.MaxPackets, cfg.RingDuration),
		cb:     cb,
		logger: recorderlog.OrGlobal(logger, "circular-encoder"),
		now:    time.Now,
		input:  make(chan *frame.Frame, cfg.InputQueue),
		cmds:   make(chan command, 4),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the encoding goroutine. It returns when ctx is cancelled
// or Close is called.
func (e *Encoder) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.loop(ctx)
}

// Feed hands one frame reference to the encoder. It never blocks: when the
// queue is full or the encoder is closed the frame is closed and false is
// returned.
func (e *Encoder) Feed(f *frame.Frame) bool {
	e.feedMu.RLock()
	defer e.feedMu.RUnlock()

	if e.closed {
		f.Close()
		return false
	}
	select {
	case e.input <- f:
		e.framesIn.Add(1)
		return true
	default:
		e.framesShed.Add(1)
		f.Close()
		return false
	}
}

// SetRotation sets the rotation applied to frames encoded from now on.
func (e *Encoder) SetRotation(r encoder.Rotation) {
	if !r.Valid() {
		e.logger.Warn("Ignoring invalid rotation", recorderlog.Int("degrees", int(r)))
		return
	}
	e.rotation.Store(int32(r))
}

// Saving reports whether a save is in flight.
func (e *Encoder) Saving() bool { return e.saving.Load() }

// Save starts flushing the ring plus post-roll into path.
func (e *Encoder) Save(sessionID, path string) error {
	e.feedMu.RLock()
	closed := e.closed
	e.feedMu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !e.saving.CompareAndSwap(false, true) {
		return ErrSaveInProgress
	}

	select {
	case e.cmds <- command{kind: cmdSave, sessionID: sessionID, path: path}:
		return nil
	default:
		e.saving.Store(false)
		return fmt.Errorf("encoder command queue full")
	}
}

// CancelSave ends the in-flight save early. What was written is finalized
// and reported with Cancelled set.
func (e *Encoder) CancelSave() {
	select {
	case e.cmds <- command{kind: cmdCancel}:
	default:
		e.logger.Warn("Cancel dropped, command queue full")
	}
}

func (e *Encoder) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdownLoop()
			return
		case <-e.stop:
			e.shutdownLoop()
			return
		case c := <-e.cmds:
			e.handleCommand(c)
		case f := <-e.input:
			e.encode(f)
		case <-ticker.C:
			// frames may stop arriving mid-save; bound the session by wall time
			if s := e.active; s != nil && e.now().Sub(s.wallStart) > e.cfg.MaxDuration+e.cfg.PostRoll {
				e.logger.Warn("Save exceeded wall-clock bound, finishing", recorderlog.String("session_id", s.id))
				e.finishSession()
			}
		}
	}
}

func (e *Encoder) shutdownLoop() {
	for {
		select {
		case f := <-e.input:
			f.Close()
		case c := <-e.cmds:
			if c.kind == cmdSave {
				e.saving.Store(false)
				if e.cb.OnSaveComplete != nil {
					e.cb.OnSaveComplete(SaveResult{SessionID: c.sessionID, Path: c.path, Cancelled: true, Err: ErrClosed, CompletedAt: e.now()})
				}
			}
		default:
			if e.active != nil {
				e.active.cancelled.Store(true)
				e.finishSession()
			}
			e.ring.Reset()
			return
		}
	}
}

func (e *Encoder) encode(f *frame.Frame) {
	out, err := e.enc.Encode(f, encoder.Rotation(e.rotation.Load()))
	ts := f.Timestamp
	f.Close()
	if err != nil {
		e.encodeErrors.Add(1)
		e.logger.Debug("Encode failed", recorderlog.Error(err))
		return
	}

	p := e.ring.Push(buffer.Packet{Data: out.Data, Timestamp: ts, Keyframe: out.Keyframe})
	e.latest.Store(ts.UnixNano())

	s := e.active
	if s == nil {
		return
	}
	if !p.Timestamp.Before(s.end) {
		// the packet reaching the post-roll end belongs to the clip unless
		// it would exceed the duration cap
		if !p.Timestamp.After(s.limit) {
			e.send(s, p)
		}
		e.finishSession()
		return
	}
	e.send(s, p)
}

func (e *Encoder) send(s *session, p buffer.Packet) {
	select {
	case s.ch <- p:
	default:
		s.dropped.Add(1)
		e.sessionDrops.Add(1)
	}
}

func (e *Encoder) handleCommand(c command) {
	switch c.kind {
	case cmdCancel:
		if e.active != nil {
			e.active.cancelled.Store(true)
			e.finishSession()
		}
	case cmdSave:
		e.beginSession(c.sessionID, c.path)
	}
}

func (e *Encoder) beginSession(id, path string) {
	pre := e.ring.Snapshot()
	trigger := e.now()
	if n := e.latest.Load(); n != 0 {
		trigger = time.Unix(0, n)
	}

	// keep total length within MaxDuration
	earliest := trigger.Add(e.cfg.PostRoll - e.cfg.MaxDuration)
	cut := 0
	for cut < len(pre) && pre[cut].Timestamp.Before(earliest) {
		cut++
	}
	for cut < len(pre) && !pre[cut].Keyframe {
		cut++
	}
	pre = pre[cut:]
	first := trigger
	if len(pre) > 0 {
		first = pre[0].Timestamp
	}

	s := &session{
		id:          id,
		path:        path,
		ch:          make(chan buffer.Packet, e.cfg.SessionQueue),
		preroll:     pre,
		triggeredAt: trigger,
		wallStart:   e.now(),
		end:         trigger.Add(e.cfg.PostRoll),
		limit:       first.Add(e.cfg.MaxDuration),
	}
	e.active = s
	e.savesStarted.Add(1)

	e.logger.Info("Save started",
		recorderlog.String("session_id", id),
		recorderlog.String("path", path),
		recorderlog.Int("preroll_packets", len(pre)))

	e.writers.Add(1)
	go e.write(s)
}

func (e *Encoder) finishSession() {
	if e.active == nil {
		return
	}
	close(e.active.ch)
	e.active = nil
}

// write is the only code touching the clip file of s.
func (e *Encoder) write(s *session) {
	defer e.writers.Done()

	res := SaveResult{SessionID: s.id, Path: s.path, TriggeredAt: s.triggeredAt}
	defer func() {
		res.Dropped = s.dropped.Load()
		res.Cancelled = s.cancelled.Load()
		res.CompletedAt = e.now()
		if res.Err != nil {
			e.savesFailed.Add(1)
		} else {
			e.savesDone.Add(1)
		}
		e.saving.Store(false)
		if e.cb.OnSaveComplete != nil {
			e.cb.OnSaveComplete(res)
		}
	}()

	w, err := buffer.NewClipWriter(s.path, buffer.ClipParams{
		Width:     e.cfg.Width,
		Height:    e.cfg.Height,
		FrameRate: e.cfg.FrameRate,
		CodecID:   e.enc.CodecID(),
	})
	if err != nil {
		res.Err = err
		for range s.ch {
		}
		return
	}
	if e.cb.OnWriteStarted != nil {
		e.cb.OnWriteStarted(s.id)
	}

	var writeErr error
	put := func(p buffer.Packet) {
		if writeErr != nil {
			return
		}
		if err := w.WritePacket(p); err != nil {
			writeErr = err
			return
		}
		if res.FirstFrame.IsZero() {
			res.FirstFrame = p.Timestamp
		}
		res.LastFrame = p.Timestamp
	}
	for _, p := range s.preroll {
		put(p)
	}
	s.preroll = nil
	for p := range s.ch {
		put(p)
	}

	res.Frames = w.Frames()
	if writeErr != nil || res.Frames == 0 {
		// a failed or empty clip is not kept
		res.Err = writeErr
		if res.Err == nil {
			res.Err = buffer.ErrNoFrames
		}
		if err := w.Abort(); err != nil {
			e.logger.Warn("Failed to discard clip", recorderlog.String("path", s.path), recorderlog.Error(err))
		}
	} else {
		res.Size, res.Err = w.Close()
	}

	e.logger.Info("Save finished",
		recorderlog.String("session_id", s.id),
		recorderlog.Int64("size", res.Size),
		recorderlog.Uint64("frames", res.Frames),
		recorderlog.Uint64("dropped", s.dropped.Load()),
		recorderlog.Bool("cancelled", s.cancelled.Load()),
		recorderlog.Error(res.Err))
}

// Close stops encoding, finalizes any in-flight save and releases the
// encoder. Each step is bounded by ctx and the configured close timeout.
func (e *Encoder) Close(ctx context.Context) error {
	e.feedMu.Lock()
	if e.closed {
		e.feedMu.Unlock()
		return nil
	}
	e.closed = true
	e.feedMu.Unlock()

	close(e.stop)
	if e.started.Load() {
		if err := e.waitFor(ctx, e.done); err != nil {
			return fmt.Errorf("encoder loop did not stop: %w", err)
		}
	} else {
		for len(e.input) > 0 {
			(<-e.input).Close()
		}
	}

	writersDone := make(chan struct{})
	go func() {
		e.writers.Wait()
		close(writersDone)
	}()
	if err := e.waitFor(ctx, writersDone); err != nil {
		return fmt.Errorf("save writer did not finish: %w", err)
	}

	released := make(chan error, 1)
	go func() { released <- e.enc.Close() }()
	select {
	case err := <-released:
		return err
	case <-time.After(e.cfg.CloseTimeout):
		e.logger.Error("Native encoder release timed out", recorderlog.Duration("timeout", e.cfg.CloseTimeout))
		return ErrReleaseTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Encoder) waitFor(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-time.After(e.cfg.CloseTimeout):
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns encoder statistics
func (e *Encoder) Metrics() map[string]interface{} {
	m := map[string]interface{}{
		"frames_in":      e.framesIn.Load(),
		"frames_shed":    e.framesShed.Load(),
		"encode_errors":  e.encodeErrors.Load(),
		"session_drops":  e.sessionDrops.Load(),
		"saves_started":  e.savesStarted.Load(),
		"saves_finished": e.savesDone.Load(),
		"saves_failed":   e.savesFailed.Load(),
		"saving":         e.saving.Load(),
		"ring":           e.ring.Metrics(),
	}
	if em := e.enc.GetMetrics(); em != nil {
		m["encoder_frames"] = em.FramesEncoded
		m["encoder_avg_frame_time"] = em.AverageFrameTime.String()
	}
	return m
}
