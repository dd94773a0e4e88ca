// Package pipeline assembles the capture pipeline: camera, ingestion,
// motion filtering, the circular encoder, recording admission, metadata
// synchronization and clip handoff.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/dashcam/internal/camera"
	"github.com/mikeyg42/dashcam/internal/config"
	"github.com/mikeyg42/dashcam/internal/coord"
	"github.com/mikeyg42/dashcam/internal/geofence"
	"github.com/mikeyg42/dashcam/internal/ingest"
	"github.com/mikeyg42/dashcam/internal/motion"
	"github.com/mikeyg42/dashcam/internal/motion/flow"
	"github.com/mikeyg42/dashcam/internal/notify"
	"github.com/mikeyg42/dashcam/internal/recorder/admission"
	"github.com/mikeyg42/dashcam/internal/recorder/circular"
	"github.com/mikeyg42/dashcam/internal/recorder/encoder"
	"github.com/mikeyg42/dashcam/internal/recorder/encoder/mjpeg"
	"github.com/mikeyg42/dashcam/internal/recorder/metasync"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
	"github.com/mikeyg42/dashcam/internal/recorder/storage"
	"github.com/mikeyg42/dashcam/internal/telemetry"
)

// Options override the components the service would otherwise build from
// config. Zero values select the defaults.
type Options struct {
	Camera      camera.Camera
	Tracker     motion.Tracker
	Encoder     encoder.Encoder
	Classifier  ingest.Classifier
	Queue       storage.Queue
	Temperature telemetry.TemperatureReader
	Clock       admission.Clock
	Logger      recorderlog.Logger
}

// Service manages the entire capture pipeline
type Service struct {
	cfg    *config.Config
	logger recorderlog.Logger

	state      *coord.State
	events     *notify.Dispatcher
	fence      *geofence.Set
	space      *storage.SpaceChecker
	sync       *metasync.Synchronizer
	admission  *admission.Machine
	circular   *circular.Encoder
	detector   *motion.Detector
	loop       *ingest.Loop
	feed       *telemetry.Feed
	thermal    *telemetry.ThermalMonitor
	controller *camera.Controller

	uploads *storage.MinIOQueue
	ledger  *storage.Ledger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService builds every component and wires them together. Nothing runs
// until Start.
func NewService(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := recorderlog.OrGlobal(opts.Logger, "pipeline")
	s := &Service{
		cfg:    cfg,
		logger: logger,
		state:  coord.New(),
		events: notify.NewDispatcher(cfg.Service.EventQueueSize, logger),
		space:  storage.NewSpaceChecker(cfg.Recording.ClipDir, cfg.Recording.MinFreeMB),
	}

	fence, err := geofence.FromConfig(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to load geofences: %w", err)
	}
	s.fence = fence

	s.thermal = telemetry.NewThermalMonitor(telemetry.ThermalConfig{
		Threshold: cfg.Telemetry.ThermalThreshold,
		Recover:   cfg.Telemetry.ThermalRecover,
		Interval:  cfg.Telemetry.ThermalInterval.Duration,
	}, s.state, opts.Temperature, logger)

	queue := opts.Queue
	if queue == nil {
		if queue, err = s.buildHandoff(ctx); err != nil {
			return nil, err
		}
	}

	syncOpts := metasync.Options{Zones: fence, Thermal: s.thermal, Logger: logger}
	if queue != nil {
		syncOpts.Handoff = queue
	}
	s.sync = metasync.New(metasync.Config{
		WindowSlack:       cfg.Metadata.WindowSlack.Duration,
		MinClipBytes:      cfg.Recording.MinClipBytes,
		LargeClipBytes:    cfg.Metadata.LargeClipBytes,
		LargeClipDuration: cfg.Metadata.LargeClipDuration.Duration,
		SmallClipDuration: cfg.Metadata.SmallClipDuration.Duration,
		Lookback:          cfg.Buffer.RingDuration.Duration,
		HandoffTimeout:    cfg.Storage.UploadTimeout.Duration,
	}, syncOpts)

	s.admission = admission.New(admission.Config{
		ClipDir:        cfg.Recording.ClipDir,
		Cooldown:       cfg.Recording.Cooldown.Duration,
		LivenessMaxAge: cfg.Recording.LivenessMaxAge.Duration,
		MinClipBytes:   cfg.Recording.MinClipBytes,
		RerecordDelay:  cfg.Recording.RerecordDelay.Duration,
		WatchdogPeriod: cfg.Recording.WatchdogPeriod.Duration,
		CheckSpace:     s.space.Check,
	}, admission.Deps{
		State:     s.state,
		Window:    s.sync,
		Finalizer: s.sync,
		Events:    s.events,
		Clock:     opts.Clock,
		Logger:    logger,
	})

	enc := opts.Encoder
	if enc == nil {
		enc = mjpeg.New(encoder.EncoderConfig{
			Width:     cfg.Camera.Width,
			Height:    cfg.Camera.Height,
			FrameRate: cfg.Camera.FrameRate,
			Quality:   cfg.Buffer.JPEGQuality,
		})
	}
	s.circular = circular.New(circular.Config{
		RingDuration: cfg.Buffer.RingDuration.Duration,
		MaxPackets:   cfg.Buffer.MaxPackets,
		PostRoll:     cfg.Buffer.PostRoll.Duration,
		MaxDuration:  cfg.Buffer.MaxClipDuration.Duration,
		InputQueue:   cfg.Buffer.InputQueue,
		SessionQueue: cfg.Buffer.SessionQueue,
		CloseTimeout: cfg.Buffer.CloseTimeout.Duration,
		Width:        cfg.Camera.Width,
		Height:       cfg.Camera.Height,
		FrameRate:    cfg.Camera.FrameRate,
	}, enc, circular.Callbacks{
		OnWriteStarted: s.admission.OnWriteStarted,
		OnSaveComplete: s.admission.OnSaveComplete,
	}, logger)
	s.admission.SetRecorder(s.circular)

	tracker := opts.Tracker
	if tracker == nil {
		tracker = flow.New(flow.Config{
			GridSize:      cfg.Motion.GridSize,
			WindowSize:    cfg.Motion.WindowSize,
			PyramidLevels: cfg.Motion.PyramidLevels,
		})
	}
	s.detector, err = motion.NewDetector(motion.Config{
		PixelThreshold:      cfg.Motion.PixelThreshold,
		MotionlessThreshold: cfg.Motion.MotionlessThreshold,
	}, tracker, s.events, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create motion detector: %w", err)
	}

	s.loop = ingest.New(ingest.Config{
		Permits:                  cfg.Ingest.Permits,
		SamplingInterval:         cfg.Ingest.SamplingInterval.Duration,
		LowPowerSamplingInterval: cfg.Ingest.LowPowerSamplingInterval.Duration,
	}, s.state, s.detector, opts.Classifier, s.circular, logger)

	s.feed = telemetry.NewFeed(telemetry.FeedConfig{
		Role:         cfg.Telemetry.Role,
		MinSpeedMPS:  cfg.Telemetry.MinSpeedMPS,
		MaxSpeedMPS:  cfg.Telemetry.MaxSpeedMPS,
		MaxAccuracyM: cfg.Telemetry.MaxAccuracyM,
	}, s.sync, s.state, fence, logger)

	cam := opts.Camera
	if cam == nil {
		cam = buildCamera(cfg.Camera, logger)
	}
	s.controller = camera.NewController(camera.ControllerConfig{
		OpenTimeout: cfg.Camera.OpenTimeout.Duration,
		StepTimeout: cfg.Buffer.CloseTimeout.Duration,
	}, cam, s.loop.HandleFrame, s.state, s.events, logger)

	s.events.Subscribe(s.logEvent)
	return s, nil
}

func buildCamera(cc config.CameraConfig, logger recorderlog.Logger) camera.Camera {
	settings := camera.Settings{
		DeviceID:  cc.DeviceID,
		Width:     cc.Width,
		Height:    cc.Height,
		FrameRate: cc.FrameRate,
	}
	if cc.Variant == "socket" {
		return camera.NewSocketCamera(camera.SocketConfig{
			URL:              cc.SocketURL,
			HandshakeTimeout: cc.HandshakeTimeout.Duration,
			ReconnectMax:     cc.ReconnectMax.Duration,
		}, settings, logger)
	}
	return camera.NewBuiltinCamera(settings, logger)
}

// buildHandoff connects the enabled storage backends. It returns nil when
// none is enabled; clips then stay in the clip directory.
func (s *Service) buildHandoff(ctx context.Context) (storage.Queue, error) {
	minioCfg, pgCfg, err := config.CreateStorageConfigs(s.cfg)
	if err != nil {
		return nil, err
	}

	var queues storage.MultiQueue
	if s.cfg.Storage.MinIO.Enabled {
		if s.uploads, err = storage.NewMinIOQueue(ctx, minioCfg); err != nil {
			return nil, fmt.Errorf("failed to create upload queue: %w", err)
		}
		queues = append(queues, s.uploads)
	}
	if s.cfg.Storage.Postgres.Enabled {
		if s.ledger, err = storage.NewLedger(ctx, pgCfg); err != nil {
			return nil, fmt.Errorf("failed to create clip ledger: %w", err)
		}
		queues = append(queues, s.ledger)
	}

	switch len(queues) {
	case 0:
		s.logger.Warn("No storage backend enabled, clips stay local",
			recorderlog.String("clip_dir", s.cfg.Recording.ClipDir))
		return nil, nil
	case 1:
		return queues[0], nil
	}
	return queues, nil
}

// Start runs the background workers and opens the camera. A camera that
// fails to open ends the session; the caller should Stop.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("service already running")
	}

	if err := s.space.Check(); err != nil {
		s.logger.Warn("Low disk space, recordings will be refused until space is freed", recorderlog.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.circular.Start(runCtx)
	if s.uploads != nil {
		s.uploads.Start()
	}

	s.wg.Add(4)
	go func() { defer s.wg.Done(); s.events.Run(runCtx) }()
	go func() { defer s.wg.Done(); s.admission.Run(runCtx) }()
	go func() { defer s.wg.Done(); s.thermal.Run(runCtx) }()
	go func() { defer s.wg.Done(); s.metricsReporter(runCtx) }()

	s.logger.Info("Starting capture pipeline",
		recorderlog.String("camera", s.controller.Camera().Name()),
		recorderlog.String("clip_dir", s.cfg.Recording.ClipDir))

	if err := s.controller.Open(ctx); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}
	return nil
}

// Stop shuts the pipeline down: admission first so nothing new starts, then
// the camera, the encoder (finalizing any in-flight save), the ingestion
// limiter and finally the handoff backends.
func (s *Service) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.logger.Info("Stopping capture pipeline")

	s.admission.Close()

	steps := []camera.Step{
		{Name: "encoder", Close: s.circular.Close},
		{Name: "limiter", Close: s.loop.Close},
		{Name: "detector", Close: func(context.Context) error { return s.detector.Close() }},
	}
	if s.uploads != nil {
		steps = append(steps, camera.Step{Name: "uploads", Close: s.uploads.Close})
	}
	if s.ledger != nil {
		steps = append(steps, camera.Step{Name: "ledger", Close: func(context.Context) error { return s.ledger.Close() }})
	}
	err := s.controller.Close(ctx, steps...)

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Capture pipeline stopped")
	case <-ctx.Done():
		s.logger.Warn("Capture pipeline stop timeout")
	}
	return err
}

// RequestRecording is the entry point for the event classifier and manual
// triggers.
func (s *Service) RequestRecording(req admission.RecordingRequest) admission.Outcome {
	return s.admission.Request(req)
}

// PushLocation feeds a location fix.
func (s *Service) PushLocation(l telemetry.LocationSample) { s.feed.PushLocation(l) }

// PushSensor feeds an inertial reading.
func (s *Service) PushSensor(r telemetry.SensorSample) { s.feed.PushSensor(r) }

// SetOrientation reports the device rotation and whether it is acceptable
// for recording. The rotation applies to frames encoded from now on.
func (s *Service) SetOrientation(rot encoder.Rotation, valid bool) {
	s.circular.SetRotation(rot)
	s.state.SetOrientationValid(valid)
}

// SetNightMode routes frames straight to the classifier while set.
func (s *Service) SetNightMode(on bool) { s.state.SetNightMode(on) }

// RestartCamera reopens the camera without touching the rest of the pipeline.
func (s *Service) RestartCamera(ctx context.Context) error {
	if err := s.controller.Restart(ctx); err != nil {
		return err
	}
	// the first frame from the new stream is not comparable to the last
	s.detector.Reset()
	return nil
}

// Subscribe registers a notification callback. Call before Start.
func (s *Service) Subscribe(fn notify.Subscriber) { s.events.Subscribe(fn) }

// State exposes the coordination flags.
func (s *Service) State() coord.Snapshot { return s.state.Snapshot() }

// Metrics returns per-component metrics
func (s *Service) Metrics() map[string]interface{} {
	m := map[string]interface{}{
		"admission": s.admission.Metrics(),
		"encoder":   s.circular.Metrics(),
		"ingest":    s.loop.Metrics(),
		"metasync":  s.sync.Metrics(),
		"telemetry": s.feed.Metrics(),
		"events":    s.events.Metrics(),
		"motion":    s.detector.GetStats(),
	}
	if s.uploads != nil {
		m["uploads"] = s.uploads.GetMetrics()
	}
	if s.ledger != nil {
		m["ledger"] = s.ledger.GetMetrics()
	}
	if t, ok := s.thermal.LastReading(); ok {
		m["temperature_c"] = t
	}
	return m
}

// metricsReporter periodically logs metrics
func (s *Service) metricsReporter(ctx context.Context) {
	interval := s.cfg.Service.MetricsInterval.Duration
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportMetrics()
		}
	}
}

func (s *Service) reportMetrics() {
	snap := s.state.Snapshot()
	fields := []recorderlog.Field{
		recorderlog.Bool("recording", snap.Recording),
		recorderlog.Bool("pending_save", snap.PendingSave),
		recorderlog.Bool("low_power", snap.LowPower),
		recorderlog.Time("last_frame", snap.LastFrameAt),
	}
	for name, v := range s.Metrics() {
		fields = append(fields, recorderlog.Any(name, v))
	}
	s.logger.Info("Capture pipeline metrics", fields...)
}

func (s *Service) logEvent(e notify.Event) {
	switch e.Kind {
	case notify.ClipCorrupted, notify.ClipFailed, notify.PipelineStalled, notify.CameraError:
		s.logger.Warn("Pipeline event",
			recorderlog.String("kind", e.Kind.String()),
			recorderlog.String("session", e.SessionID),
			recorderlog.String("detail", e.Detail))
	default:
		s.logger.Debug("Pipeline event",
			recorderlog.String("kind", e.Kind.String()),
			recorderlog.String("session", e.SessionID))
	}
}
