package admission

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mikeyg42/dashcam/internal/coord"
	"github.com/mikeyg42/dashcam/internal/notify"
	"github.com/mikeyg42/dashcam/internal/recorder/circular"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves time forward and runs due timers outside the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	rest := c.pending[:0]
	for _, t := range c.pending {
		if !t.at.After(c.now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	c.pending = rest
	c.mu.Unlock()
	for _, t := range due {
		if !t.stopped {
			t.f()
		}
	}
}

type fakeRecorder struct {
	mu        sync.Mutex
	saves     []string
	paths     []string
	cancelled int
	err       error
}

func (r *fakeRecorder) Save(id, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saves = append(r.saves, id)
	r.paths = append(r.paths, path)
	return nil
}

func (r *fakeRecorder) CancelSave() {
	r.mu.Lock()
	r.cancelled++
	r.mu.Unlock()
}

func (r *fakeRecorder) last() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves[len(r.saves)-1], r.paths[len(r.paths)-1]
}

type windowRecorder struct {
	mu     sync.Mutex
	starts []time.Time
	ends   []time.Time
}

func (w *windowRecorder) BeginWindow(t time.Time) {
	w.mu.Lock()
	w.starts = append(w.starts, t)
	w.mu.Unlock()
}

func (w *windowRecorder) EndWindow(t time.Time) {
	w.mu.Lock()
	w.ends = append(w.ends, t)
	w.mu.Unlock()
}

type finalizerRecorder struct{ got []Completed }

func (f *finalizerRecorder) Finalize(c Completed) { f.got = append(f.got, c) }

type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (e *eventRecorder) Publish(ev notify.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventRecorder) kinds() []notify.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []notify.Kind
	for _, ev := range e.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (e *eventRecorder) has(k notify.Kind) bool {
	for _, got := range e.kinds() {
		if got == k {
			return true
		}
	}
	return false
}

type harness struct {
	m      *Machine
	clock  *fakeClock
	state  *coord.State
	rec    *fakeRecorder
	window *windowRecorder
	fin    *finalizerRecorder
	events *eventRecorder
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0)},
		state:  coord.New(),
		rec:    &fakeRecorder{},
		window: &windowRecorder{},
		fin:    &finalizerRecorder{},
		events: &eventRecorder{},
		dir:    t.TempDir(),
	}
	h.m = New(Config{
		ClipDir:        h.dir,
		Cooldown:       10 * time.Second,
		LivenessMaxAge: 3 * time.Second,
		MinClipBytes:   2 << 20,
		RerecordDelay:  time.Second,
		SessionTimeout: time.Minute,
	}, Deps{
		State:     h.state,
		Recorder:  h.rec,
		Window:    h.window,
		Finalizer: h.fin,
		Events:    h.events,
		Clock:     h.clock,
		Logger:    recorderlog.Nop(),
	})
	h.alive()
	return h
}

func (h *harness) alive() { h.state.MarkFrame(h.clock.Now()) }

// complete drives the current session through SAVING to IDLE with a clip of
// the given size.
func (h *harness) complete(t *testing.T, size int64, saveErr error) string {
	t.Helper()
	id, path := h.rec.last()
	h.m.OnWriteStarted(id)
	if h.m.State() != Saving {
		t.Fatalf("state = %v, want saving", h.m.State())
	}
	if size > 0 {
		if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	h.m.OnSaveComplete(circular.SaveResult{SessionID: id, Path: path, Size: size, Err: saveErr, CompletedAt: h.clock.Now()})
	return path
}

func TestCooldownScenario(t *testing.T) {
	h := newHarness(t)

	if got := h.m.Request(RecordingRequest{Label: "car"}); got != Accepted {
		t.Fatalf("t=0: %v", got)
	}
	if !h.state.Recording() || h.m.State() != Recording {
		t.Fatalf("recording flag not set")
	}
	h.complete(t, 3<<20, nil)

	h.clock.Advance(5 * time.Second)
	h.alive()
	if got := h.m.Request(RecordingRequest{Label: "car"}); got != TooFrequent {
		t.Fatalf("t=5: %v, want too_frequent", got)
	}
	if got := h.m.Request(RecordingRequest{Label: "car", Manual: true}); got != ConsecutiveRecording {
		t.Fatalf("t=5 manual: %v, want consecutive_recording", got)
	}

	h.clock.Advance(6 * time.Second)
	h.alive()
	if got := h.m.Request(RecordingRequest{Label: "car"}); got != Accepted {
		t.Fatalf("t=11: %v", got)
	}
	if len(h.window.starts) != 2 {
		t.Fatalf("window opened %d times", len(h.window.starts))
	}
}

func TestUndersizedClipIsCorrupted(t *testing.T) {
	h := newHarness(t)
	if got := h.m.Request(RecordingRequest{Label: "bike"}); got != Accepted {
		t.Fatalf("request: %v", got)
	}
	path := h.complete(t, 1_500_000, nil)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("corrupted clip not deleted: %v", err)
	}
	if !h.events.has(notify.ClipCorrupted) {
		t.Fatalf("corrupted not reported: %v", h.events.kinds())
	}
	if len(h.fin.got) != 0 {
		t.Fatalf("corrupted clip must not be finalized")
	}
	if h.state.Recording() || h.state.PendingSave() || h.m.State() != Idle {
		t.Fatalf("state not reset after corrupted clip")
	}
	if h.m.Metrics()["corrupted"].(uint64) != 1 {
		t.Fatalf("corrupted counter not incremented")
	}
}

func TestSuccessfulClipIsFinalized(t *testing.T) {
	h := newHarness(t)
	h.m.Request(RecordingRequest{Label: "dog", Confidence: 0.9})
	path := h.complete(t, 2<<20, nil)

	if len(h.fin.got) != 1 {
		t.Fatalf("finalized %d clips", len(h.fin.got))
	}
	c := h.fin.got[0]
	if c.Session.Request.Label != "dog" || c.Save.Path != path {
		t.Fatalf("unexpected completion %+v", c)
	}
	if filepath.Dir(path) != h.dir {
		t.Fatalf("clip written outside clip dir: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("successful clip removed: %v", err)
	}
}

func TestEncoderFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.m.Request(RecordingRequest{})
	path := h.complete(t, 3<<20, errors.New("muxer exploded"))

	if !h.events.has(notify.ClipFailed) {
		t.Fatalf("failure not reported")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("failed clip should be removed")
	}
	if h.state.Recording() {
		t.Fatalf("recording flag left set")
	}
}

func TestAdmissionRules(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		want  Outcome
	}{
		{"stale liveness", func(h *harness) { h.clock.Advance(4 * time.Second) }, Failed},
		{"bad orientation", func(h *harness) { h.state.SetOrientationValid(false) }, OrientationError},
		{"external camera ignores orientation", func(h *harness) {
			h.state.SetOrientationValid(false)
			h.state.SetExternalCamera(true)
		}, Accepted},
		{"no space", func(h *harness) { h.m.cfg.CheckSpace = func() error { return errors.New("disk full") } }, Failed},
		{"encoder refuses", func(h *harness) { h.rec.err = circular.ErrSaveInProgress }, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			if got := h.m.Request(RecordingRequest{}); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			if tt.want != Accepted && (h.state.Recording() || h.m.State() != Idle) {
				t.Fatalf("rejected request changed state")
			}
		})
	}
}

func TestRefusedSaveDoesNotStartCooldown(t *testing.T) {
	h := newHarness(t)
	h.rec.err = errors.New("queue full")
	if got := h.m.Request(RecordingRequest{}); got != Failed {
		t.Fatalf("got %v", got)
	}
	h.rec.err = nil
	if got := h.m.Request(RecordingRequest{}); got != Accepted {
		t.Fatalf("retry got %v, want accepted", got)
	}
}

func TestSingleDeferredRerecord(t *testing.T) {
	h := newHarness(t)
	h.m.Request(RecordingRequest{Label: "first"})

	if got := h.m.Request(RecordingRequest{Label: "again", Rerecord: true}); got != Deferred {
		t.Fatalf("got %v, want deferred", got)
	}
	if got := h.m.Request(RecordingRequest{Label: "third", Rerecord: true}); got != Busy {
		t.Fatalf("second deferral got %v, want busy", got)
	}
	if got := h.m.Request(RecordingRequest{Label: "plain"}); got != Busy {
		t.Fatalf("plain request got %v, want busy", got)
	}

	// the deferred request lands after the cooldown window
	h.clock.Advance(11 * time.Second)
	h.alive()
	h.complete(t, 3<<20, nil)

	h.clock.Advance(500 * time.Millisecond)
	if h.m.State() != Idle {
		t.Fatalf("deferred request ran before the delay")
	}
	h.clock.Advance(600 * time.Millisecond)
	if h.m.State() != Recording {
		t.Fatalf("deferred request did not run, state %v", h.m.State())
	}
	if len(h.rec.saves) != 2 {
		t.Fatalf("saves = %d, want 2", len(h.rec.saves))
	}
}

func TestCloseDropsDeferred(t *testing.T) {
	h := newHarness(t)
	h.m.Request(RecordingRequest{})
	h.m.Request(RecordingRequest{Rerecord: true})
	h.clock.Advance(11 * time.Second)
	h.alive()
	h.complete(t, 3<<20, nil)
	h.m.Close()
	h.clock.Advance(2 * time.Second)
	if len(h.rec.saves) != 1 {
		t.Fatalf("deferred request ran after Close")
	}
	if got := h.m.Request(RecordingRequest{}); got != Failed {
		t.Fatalf("request after close got %v", got)
	}
}

func TestWatchdogAbortsStalledSession(t *testing.T) {
	h := newHarness(t)
	h.m.Request(RecordingRequest{})
	id, path := h.rec.last()
	h.m.OnWriteStarted(id)

	h.clock.Advance(time.Second)
	h.m.checkStall()
	if h.rec.cancelled != 0 {
		t.Fatalf("fresh pipeline was aborted")
	}

	h.clock.Advance(5 * time.Second)
	h.m.checkStall()
	h.m.checkStall()
	if h.rec.cancelled != 1 {
		t.Fatalf("cancelled %d times, want 1", h.rec.cancelled)
	}
	if !h.events.has(notify.PipelineStalled) {
		t.Fatalf("stall not reported")
	}

	// the cancelled save reports back with a full-size clip but still fails
	os.WriteFile(path, make([]byte, 10), 0o644)
	h.m.OnSaveComplete(circular.SaveResult{SessionID: id, Path: path, Size: 3 << 20, Cancelled: true})
	if len(h.fin.got) != 0 || !h.events.has(notify.ClipFailed) {
		t.Fatalf("aborted clip must be reported failed")
	}
	if h.state.Recording() {
		t.Fatalf("recording flag left set")
	}
}

func TestSessionTimeoutResets(t *testing.T) {
	h := newHarness(t)
	h.m.Request(RecordingRequest{})
	h.clock.Advance(2 * time.Minute)
	h.alive()
	h.m.checkStall()
	if h.m.State() != Idle || h.state.Recording() {
		t.Fatalf("hung session not reset")
	}
	id, path := h.rec.last()
	// a late callback for the reset session is ignored
	h.m.OnSaveComplete(circular.SaveResult{SessionID: id, Path: path, Size: 3 << 20})
	if len(h.fin.got) != 0 {
		t.Fatalf("late result finalized")
	}
}

func TestStaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t)
	h.m.Request(RecordingRequest{})
	h.m.OnWriteStarted("nope")
	if h.m.State() != Recording {
		t.Fatalf("unknown session moved state")
	}
	h.m.OnSaveComplete(circular.SaveResult{SessionID: "nope"})
	if !h.state.Recording() {
		t.Fatalf("unknown session cleared recording flag")
	}
}

func TestCooldownMeasuredFromRequestTime(t *testing.T) {
	h := newHarness(t)
	first := h.clock.Now()
	if got := h.m.Request(RecordingRequest{RequestedAt: first}); got != Accepted {
		t.Fatalf("first: %v", got)
	}
	h.complete(t, 3<<20, nil)

	// evaluated 11s later, but detected only 8s after the first event
	h.clock.Advance(11 * time.Second)
	h.alive()
	if got := h.m.Request(RecordingRequest{RequestedAt: first.Add(8 * time.Second)}); got != TooFrequent {
		t.Fatalf("late-delivered event: %v, want too_frequent", got)
	}
	if got := h.m.Request(RecordingRequest{}); got != Accepted {
		t.Fatalf("undated request: %v, want accepted", got)
	}
}

func TestWindowEndsForEveryOutcome(t *testing.T) {
	h := newHarness(t)
	sizes := []struct {
		size int64
		err  error
	}{
		{3 << 20, nil},
		{10, nil},
		{3 << 20, errors.New("write failed")},
	}
	for i, c := range sizes {
		if i > 0 {
			h.clock.Advance(11 * time.Second)
			h.alive()
		}
		if got := h.m.Request(RecordingRequest{}); got != Accepted {
			t.Fatalf("request %d: %v", i, got)
		}
		h.complete(t, c.size, c.err)
	}

	h.rec.err = errors.New("busy")
	h.clock.Advance(11 * time.Second)
	h.alive()
	h.m.Request(RecordingRequest{})

	if len(h.window.starts) != 4 || len(h.window.ends) != 4 {
		t.Fatalf("windows begun %d, ended %d", len(h.window.starts), len(h.window.ends))
	}
	for i := range h.window.starts {
		if !h.window.starts[i].Equal(h.window.ends[i]) {
			t.Fatalf("window %d began %v, ended %v", i, h.window.starts[i], h.window.ends[i])
		}
	}
}

func TestConcurrentRequestsAdmitOne(t *testing.T) {
	h := newHarness(t)
	const n = 32

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		out   = make(chan Outcome, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out <- h.m.Request(RecordingRequest{Label: "race"})
		}()
	}
	close(start)
	wg.Wait()
	close(out)

	counts := map[Outcome]int{}
	for o := range out {
		counts[o]++
	}
	if counts[Accepted] != 1 || counts[Busy] != n-1 {
		t.Fatalf("outcomes = %v, want 1 accepted and %d busy", counts, n-1)
	}
	if len(h.rec.saves) != 1 || len(h.window.starts) != 1 {
		t.Fatalf("saves = %d, windows = %d", len(h.rec.saves), len(h.window.starts))
	}
}
