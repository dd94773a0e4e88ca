package circular

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikeyg42/dashcam/internal/frame"
	"github.com/mikeyg42/dashcam/internal/recorder/buffer"
	"github.com/mikeyg42/dashcam/internal/recorder/encoder"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

type fakeEncoder struct {
	mu       sync.Mutex
	rots     []encoder.Rotation
	n        atomic.Uint64
	failNext atomic.Bool
	block    chan struct{}
}

func (f *fakeEncoder) Encode(fr *frame.Frame, rot encoder.Rotation) (encoder.Output, error) {
	if f.failNext.CompareAndSwap(true, false) {
		return encoder.Output{}, &encoder.EncoderError{Code: encoder.ErrCodeEncode, Message: "boom"}
	}
	f.mu.Lock()
	f.rots = append(f.rots, rot)
	f.mu.Unlock()
	f.n.Add(1)
	return encoder.Output{Data: make([]byte, 512), Keyframe: true}, nil
}

func (f *fakeEncoder) CodecID() string { return buffer.CodecMJPEG }

func (f *fakeEncoder) Close() error {
	if f.block != nil {
		<-f.block
	}
	return nil
}

func (f *fakeEncoder) GetMetrics() *encoder.EncoderMetrics {
	return &encoder.EncoderMetrics{FramesEncoded: f.n.Load()}
}

// releaseCounter checks that every frame reference is released exactly once.
type releaseCounter struct {
	made     atomic.Int64
	released atomic.Int64
}

func (rc *releaseCounter) frame(ts time.Time) *frame.Frame {
	rc.made.Add(1)
	var once atomic.Bool
	return frame.New(image.NewGray(image.Rect(0, 0, 2, 2)), ts, func() {
		if !once.CompareAndSwap(false, true) {
			panic("double release")
		}
		rc.released.Add(1)
	})
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestEncoder(t *testing.T, cfg Config, fe *fakeEncoder) (*Encoder, chan SaveResult, *atomic.Int32) {
	t.Helper()
	results := make(chan SaveResult, 4)
	var started atomic.Int32
	e := New(cfg, fe, Callbacks{
		OnWriteStarted: func(string) { started.Add(1) },
		OnSaveComplete: func(r SaveResult) { results <- r },
	}, recorderlog.Nop())
	return e, results, &started
}

func TestSaveWritesPrerollAndPostroll(t *testing.T) {
	fe := &fakeEncoder{}
	cfg := Config{
		RingDuration: time.Second,
		MaxPackets:   100,
		PostRoll:     500 * time.Millisecond,
		MaxDuration:  5 * time.Second,
		InputQueue:   256,
		SessionQueue: 256,
		Width:        2, Height: 2, FrameRate: 10,
	}
	e, results, started := newTestEncoder(t, cfg, fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	rc := &releaseCounter{}
	base := time.Unix(1_700_000_000, 0)
	step := 100 * time.Millisecond

	for i := 0; i < 30; i++ {
		e.Feed(rc.frame(base.Add(time.Duration(i) * step)))
	}
	waitUntil(t, "pre-trigger frames", func() bool { return fe.n.Load() == 30 })

	path := filepath.Join(t.TempDir(), "clip.mkv")
	if err := e.Save("s1", path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := e.Save("s2", path); !errors.Is(err, ErrSaveInProgress) {
		t.Fatalf("second Save err = %v, want ErrSaveInProgress", err)
	}

	waitUntil(t, "write started", func() bool { return started.Load() == 1 })
	for i := 30; i < 40; i++ {
		e.Feed(rc.frame(base.Add(time.Duration(i) * step)))
	}

	var res SaveResult
	select {
	case res = <-results:
	case <-time.After(3 * time.Second):
		t.Fatalf("save did not complete")
	}
	if res.Err != nil {
		t.Fatalf("save error: %v", res.Err)
	}

	trigger := base.Add(29 * step)
	if !res.TriggeredAt.Equal(trigger) {
		t.Fatalf("triggered at %v, want %v", res.TriggeredAt, trigger)
	}
	// ring keeps 1s before the newest frame
	if want := trigger.Add(-time.Second); !res.FirstFrame.Equal(want) {
		t.Fatalf("first frame %v, want %v", res.FirstFrame, want)
	}
	// post-roll runs through the frame at trigger+500ms
	if want := trigger.Add(500 * time.Millisecond); !res.LastFrame.Equal(want) {
		t.Fatalf("last frame %v, want %v", res.LastFrame, want)
	}
	if res.Frames != 16 {
		t.Fatalf("frames = %d, want 16", res.Frames)
	}
	if res.PreRoll() != time.Second || res.PostRoll() != 500*time.Millisecond {
		t.Fatalf("pre/post = %v/%v", res.PreRoll(), res.PostRoll())
	}

	info, err := buffer.ProbeClip(path)
	if err != nil {
		t.Fatalf("ProbeClip: %v", err)
	}
	if info.Frames != 16 {
		t.Fatalf("clip frames = %d", info.Frames)
	}
	if e.Saving() {
		t.Fatalf("saving flag not cleared")
	}

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rc.made.Load() != rc.released.Load() {
		t.Fatalf("made %d frames, released %d", rc.made.Load(), rc.released.Load())
	}
}

func TestPostRollStopsAtDurationCap(t *testing.T) {
	fe := &fakeEncoder{}
	cfg := Config{
		RingDuration: time.Second,
		MaxPackets:   100,
		PostRoll:     500 * time.Millisecond,
		MaxDuration:  time.Second,
		InputQueue:   256,
		SessionQueue: 256,
		Width:        2, Height: 2, FrameRate: 10,
	}
	e, results, started := newTestEncoder(t, cfg, fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	rc := &releaseCounter{}
	base := time.Unix(1_700_000_000, 0)
	step := 100 * time.Millisecond
	for i := 0; i < 30; i++ {
		e.Feed(rc.frame(base.Add(time.Duration(i) * step)))
	}
	waitUntil(t, "pre-trigger frames", func() bool { return fe.n.Load() == 30 })

	if err := e.Save("s1", filepath.Join(t.TempDir(), "capped.mkv")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	waitUntil(t, "write started", func() bool { return started.Load() == 1 })

	// a gap in delivery: the next frame lands past the one second cap
	for _, i := range []int{30, 31, 32, 33, 36} {
		e.Feed(rc.frame(base.Add(time.Duration(i) * step)))
	}

	var res SaveResult
	select {
	case res = <-results:
	case <-time.After(3 * time.Second):
		t.Fatalf("save did not complete")
	}
	trigger := base.Add(29 * step)
	if want := trigger.Add(-500 * time.Millisecond); !res.FirstFrame.Equal(want) {
		t.Fatalf("first frame %v, want %v", res.FirstFrame, want)
	}
	if want := base.Add(33 * step); !res.LastFrame.Equal(want) {
		t.Fatalf("last frame %v, want %v", res.LastFrame, want)
	}
	if d := res.LastFrame.Sub(res.FirstFrame); d > cfg.MaxDuration {
		t.Fatalf("clip spans %v, cap %v", d, cfg.MaxDuration)
	}
	_ = e.Close(context.Background())
}

func TestFeedShedsNewestWhenFull(t *testing.T) {
	fe := &fakeEncoder{}
	e, _, _ := newTestEncoder(t, Config{InputQueue: 2}, fe)

	rc := &releaseCounter{}
	now := time.Now()
	first, second, third := rc.frame(now), rc.frame(now), rc.frame(now)
	if !e.Feed(first) || !e.Feed(second) {
		t.Fatalf("queue should accept two frames")
	}
	if e.Feed(third) {
		t.Fatalf("third frame should be shed")
	}
	if !third.Released() || first.Released() {
		t.Fatalf("only the newest frame should be released on shed")
	}
	if got := e.Metrics()["frames_shed"].(uint64); got != 1 {
		t.Fatalf("frames_shed = %d", got)
	}

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rc.released.Load() != 3 {
		t.Fatalf("released = %d, want 3", rc.released.Load())
	}
	if e.Feed(rc.frame(now)) {
		t.Fatalf("feed after close must fail")
	}
	if rc.released.Load() != 4 {
		t.Fatalf("frame fed after close was not released")
	}
	if err := e.Save("x", "y"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Save after close err = %v", err)
	}
}

func TestRotationAppliesToLaterFrames(t *testing.T) {
	fe := &fakeEncoder{}
	e, _, _ := newTestEncoder(t, Config{InputQueue: 16}, fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	rc := &releaseCounter{}
	base := time.Now()
	e.Feed(rc.frame(base))
	e.Feed(rc.frame(base.Add(time.Millisecond)))
	waitUntil(t, "two frames", func() bool { return fe.n.Load() == 2 })

	e.SetRotation(encoder.Rotate90)
	e.SetRotation(encoder.Rotation(33))
	e.Feed(rc.frame(base.Add(2 * time.Millisecond)))
	waitUntil(t, "third frame", func() bool { return fe.n.Load() == 3 })

	fe.mu.Lock()
	got := append([]encoder.Rotation(nil), fe.rots...)
	fe.mu.Unlock()
	want := []encoder.Rotation{0, 0, 90}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotations = %v, want %v", got, want)
		}
	}
	_ = e.Close(context.Background())
}

func TestCancelSaveFinalizesPartialClip(t *testing.T) {
	fe := &fakeEncoder{}
	e, results, _ := newTestEncoder(t, Config{InputQueue: 64, PostRoll: time.Hour, MaxDuration: 2 * time.Hour}, fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	rc := &releaseCounter{}
	base := time.Now()
	for i := 0; i < 5; i++ {
		e.Feed(rc.frame(base.Add(time.Duration(i) * 10 * time.Millisecond)))
	}
	waitUntil(t, "frames", func() bool { return fe.n.Load() == 5 })

	path := filepath.Join(t.TempDir(), "partial.mkv")
	if err := e.Save("s", path); err != nil {
		t.Fatal(err)
	}
	e.CancelSave()

	select {
	case res := <-results:
		if !res.Cancelled || res.Err != nil {
			t.Fatalf("result = %+v", res)
		}
		if res.Frames != 5 || res.Size == 0 {
			t.Fatalf("partial clip frames=%d size=%d", res.Frames, res.Size)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("cancelled save did not complete")
	}
	_ = e.Close(context.Background())
}

func TestCloseCancelsInFlightSave(t *testing.T) {
	fe := &fakeEncoder{}
	e, results, _ := newTestEncoder(t, Config{InputQueue: 64, PostRoll: time.Hour, MaxDuration: 2 * time.Hour}, fe)
	e.Start(context.Background())

	rc := &releaseCounter{}
	e.Feed(rc.frame(time.Now()))
	waitUntil(t, "frame", func() bool { return fe.n.Load() == 1 })
	if err := e.Save("s", filepath.Join(t.TempDir(), "c.mkv")); err != nil {
		t.Fatal(err)
	}

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case res := <-results:
		if !res.Cancelled {
			t.Fatalf("expected cancelled result, got %+v", res)
		}
	default:
		t.Fatalf("Close returned before the save completed")
	}
	ring := e.Metrics()["ring"].(map[string]interface{})
	if n := ring["current_size"].(int); n != 0 {
		t.Fatalf("ring kept %d packets after Close", n)
	}
}

func TestEmptySaveIsDiscarded(t *testing.T) {
	fe := &fakeEncoder{}
	e, results, _ := newTestEncoder(t, Config{PostRoll: time.Hour, MaxDuration: 2 * time.Hour}, fe)
	e.Start(context.Background())
	defer e.Close(context.Background())

	path := filepath.Join(t.TempDir(), "empty.mkv")
	if err := e.Save("s", path); err != nil {
		t.Fatal(err)
	}
	e.CancelSave()

	select {
	case res := <-results:
		if !errors.Is(res.Err, buffer.ErrNoFrames) || res.Frames != 0 || res.Size != 0 {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("empty save did not complete")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("empty clip left on disk: %v", err)
	}
	if got := e.Metrics()["saves_failed"].(uint64); got != 1 {
		t.Fatalf("saves_failed = %d", got)
	}
}

func TestCloseWatchdog(t *testing.T) {
	fe := &fakeEncoder{block: make(chan struct{})}
	defer close(fe.block)
	e, _, _ := newTestEncoder(t, Config{CloseTimeout: 30 * time.Millisecond}, fe)
	e.Start(context.Background())

	start := time.Now()
	if err := e.Close(context.Background()); !errors.Is(err, ErrReleaseTimeout) {
		t.Fatalf("Close err = %v, want ErrReleaseTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("watchdog did not bound Close")
	}
}

func TestEncodeErrorsAreCounted(t *testing.T) {
	fe := &fakeEncoder{}
	fe.failNext.Store(true)
	e, _, _ := newTestEncoder(t, Config{InputQueue: 4}, fe)
	e.Start(context.Background())

	rc := &releaseCounter{}
	e.Feed(rc.frame(time.Now()))
	e.Feed(rc.frame(time.Now()))
	waitUntil(t, "second frame", func() bool { return fe.n.Load() == 1 })
	if got := e.Metrics()["encode_errors"].(uint64); got != 1 {
		t.Fatalf("encode_errors = %d", got)
	}
	_ = e.Close(context.Background())
	if rc.released.Load() != 2 {
		t.Fatalf("failed frames must still be released")
	}
}
