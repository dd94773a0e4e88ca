package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikeyg42/dashcam/internal/coord"
	"github.com/mikeyg42/dashcam/internal/frame"
	"github.com/mikeyg42/dashcam/internal/notify"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

type fakeCamera struct {
	external bool
	openErr  error

	opens  atomic.Int32
	closes atomic.Int32

	mu     sync.Mutex
	closed chan struct{}
}

func (c *fakeCamera) Name() string             { return "fake" }
func (c *fakeCamera) External() bool           { return c.external }
func (c *fakeCamera) Configure(Settings) error { return nil }

func (c *fakeCamera) Open(context.Context) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.opens.Add(1)
	c.mu.Lock()
	c.closed = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *fakeCamera) DeliverFrames(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	sink(frame.New(image.NewGray(image.Rect(0, 0, 2, 2)), time.Now(), nil))
	select {
	case <-ctx.Done():
	case <-closed:
	}
	return nil
}

func (c *fakeCamera) Close() error {
	c.closes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		close(c.closed)
		c.closed = nil
	}
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (e *eventLog) Publish(ev notify.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) count(k notify.Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func newController(cam Camera, events notify.Publisher) (*Controller, *coord.State, chan *frame.Frame) {
	st := coord.New()
	frames := make(chan *frame.Frame, 16)
	sink := func(f *frame.Frame) {
		select {
		case frames <- f:
		default:
			f.Close()
		}
	}
	cfg := ControllerConfig{OpenTimeout: time.Second, StepTimeout: 100 * time.Millisecond}
	return NewController(cfg, cam, sink, st, events, recorderlog.Nop()), st, frames
}

func TestControllerOpenDeliversFrames(t *testing.T) {
	cam := &fakeCamera{external: true}
	c, st, frames := newController(cam, nil)

	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !st.Snapshot().ExternalCamera {
		t.Fatalf("external camera not recorded in state")
	}
	select {
	case f := <-frames:
		f.Close()
	case <-time.After(time.Second):
		t.Fatalf("no frame delivered")
	}

	// a second open is a no-op while running
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cam.opens.Load() != 1 {
		t.Fatalf("opened %d times", cam.opens.Load())
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Running() {
		t.Fatalf("still running after Close")
	}
}

func TestControllerOpenFailurePublishes(t *testing.T) {
	events := &eventLog{}
	c, _, _ := newController(&fakeCamera{openErr: errors.New("no device")}, events)
	if err := c.Open(context.Background()); err == nil {
		t.Fatalf("Open should fail")
	}
	if events.count(notify.CameraError) != 1 {
		t.Fatalf("camera error not published")
	}
	if c.Running() {
		t.Fatalf("running after failed open")
	}
}

func TestControllerTryOpenBusy(t *testing.T) {
	c, _, _ := newController(&fakeCamera{}, nil)
	if !c.permit.TryAcquire(1) {
		t.Fatal("permit unavailable")
	}
	if err := c.TryOpen(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("TryOpen = %v, want ErrBusy", err)
	}
	c.permit.Release(1)
	if err := c.TryOpen(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = c.Close(context.Background())
}

func TestControllerRestart(t *testing.T) {
	cam := &fakeCamera{}
	c, _, frames := newController(cam, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cam.opens.Load() != 2 || cam.closes.Load() != 1 {
		t.Fatalf("opens %d closes %d", cam.opens.Load(), cam.closes.Load())
	}
	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			f.Close()
		case <-time.After(time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
	_ = c.Close(context.Background())
}

func TestControllerCloseRunsStepsInOrder(t *testing.T) {
	c, _, _ := newController(&fakeCamera{}, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	var order []string
	step := func(name string, err error) Step {
		return Step{Name: name, Close: func(context.Context) error {
			order = append(order, name)
			return err
		}}
	}
	stuck := Step{Name: "stuck", Close: func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	}}

	err := c.Close(context.Background(),
		step("encoder", nil),
		stuck,
		step("save", errors.New("flush failed")),
		step("limiter", nil))
	if err == nil {
		t.Fatalf("Close should report failed steps")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stuck step not reported: %v", err)
	}
	want := []string{"encoder", "save", "limiter"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
