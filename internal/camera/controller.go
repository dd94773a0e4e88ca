package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mikeyg42/dashcam/internal/coord"
	"github.com/mikeyg42/dashcam/internal/notify"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

// Step is one stage of pipeline shutdown.
type Step struct {
	Name  string
	Close func(ctx context.Context) error
}

// ControllerConfig bounds lifecycle operations.
type ControllerConfig struct {
	OpenTimeout time.Duration
	StepTimeout time.Duration
}

// Controller owns a camera and its delivery goroutine. Open, Restart and
// Close are serialized by a one-permit semaphore.
type Controller struct {
	cfg    ControllerConfig
	cam    Camera
	sink   Sink
	state  *coord.State
	events notify.Publisher
	logger recorderlog.Logger

	permit *semaphore.Weighted

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewController creates a controller delivering cam's frames to sink.
func NewController(cfg ControllerConfig, cam Camera, sink Sink, state *coord.State, events notify.Publisher, logger recorderlog.Logger) *Controller {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Second
	}
	if events == nil {
		events = notify.Discard{}
	}
	return &Controller{
		cfg:    cfg,
		cam:    cam,
		sink:   sink,
		state:  state,
		events: events,
		logger: recorderlog.OrGlobal(logger, "camera"),
		permit: semaphore.NewWeighted(1),
	}
}

// Camera returns the controlled camera.
func (c *Controller) Camera() Camera { return c.cam }

// Open opens the camera and starts delivery, waiting for any concurrent
// lifecycle operation to finish first.
func (c *Controller) Open(ctx context.Context) error {
	if err := c.permit.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.permit.Release(1)
	return c.open(ctx)
}

// TryOpen is Open that fails with ErrBusy instead of waiting.
func (c *Controller) TryOpen(ctx context.Context) error {
	if !c.permit.TryAcquire(1) {
		return ErrBusy
	}
	defer c.permit.Release(1)
	return c.open(ctx)
}

func (c *Controller) open(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		return nil
	}

	octx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()
	if err := c.cam.Open(octx); err != nil {
		c.logger.Error("Camera open failed", recorderlog.String("camera", c.cam.Name()), recorderlog.Error(err))
		c.events.Publish(notify.Event{Kind: notify.CameraError, Detail: err.Error()})
		return fmt.Errorf("open %s camera: %w", c.cam.Name(), err)
	}
	c.state.SetExternalCamera(c.cam.External())

	dctx, dcancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done, c.running = dcancel, done, true
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := c.cam.DeliverFrames(dctx, c.sink); err != nil {
			c.logger.Error("Frame delivery stopped", recorderlog.String("camera", c.cam.Name()), recorderlog.Error(err))
			c.events.Publish(notify.Event{Kind: notify.CameraError, Detail: err.Error()})
		}
	}()
	return nil
}

// stop ends delivery and closes the camera.
func (c *Controller) stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done, running := c.cancel, c.done, c.running
	c.cancel, c.done, c.running = nil, nil, false
	c.mu.Unlock()
	if !running {
		return nil
	}

	cancel()
	// closing the device unblocks a pending read
	closeErr := c.cam.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("frame delivery did not stop: %w", ctx.Err())
	}
	return closeErr
}

// Restart closes and reopens the camera, leaving the rest of the pipeline
// running.
func (c *Controller) Restart(ctx context.Context) error {
	if err := c.permit.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.permit.Release(1)

	sctx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	err := c.stop(sctx)
	cancel()
	if err != nil {
		c.logger.Warn("Camera did not stop cleanly", recorderlog.Error(err))
	}
	return c.open(ctx)
}

// Close stops the camera and then runs steps in order, each bounded by the
// step timeout. A failing step does not prevent later ones.
func (c *Controller) Close(ctx context.Context, steps ...Step) error {
	if err := c.permit.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.permit.Release(1)

	var errs []error
	run := func(name string, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
		defer cancel()

		res := make(chan error, 1)
		go func() { res <- fn(sctx) }()
		select {
		case err := <-res:
			if err != nil {
				c.logger.Error("Shutdown step failed", recorderlog.String("step", name), recorderlog.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-sctx.Done():
			// the step ignored its context; leave it behind
			c.logger.Error("Shutdown step timed out", recorderlog.String("step", name))
			errs = append(errs, fmt.Errorf("%s: %w", name, sctx.Err()))
		}
	}

	run("camera", c.stop)
	for _, s := range steps {
		run(s.Name, s.Close)
	}
	return errors.Join(errs...)
}

// Running reports whether frames are being delivered.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
