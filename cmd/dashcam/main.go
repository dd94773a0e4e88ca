package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/dashcam/internal/config"
	"github.com/mikeyg42/dashcam/internal/pipeline"
	"github.com/mikeyg42/dashcam/internal/recorder/admission"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	variant := flag.String("camera", "", "camera variant: builtin or socket (overrides config)")
	socketURL := flag.String("socket-url", "", "websocket URL of an external camera")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *variant != "" {
		cfg.Camera.Variant = *variant
	}
	if *socketURL != "" {
		cfg.Camera.SocketURL = *socketURL
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := recorderlog.NewZapLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	recorderlog.ReplaceGlobal(logger)
	undo := zap.ReplaceGlobals(recorderlog.Zap(logger))
	defer undo()
	defer recorderlog.Zap(logger).Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := pipeline.NewService(ctx, cfg, pipeline.Options{Logger: logger})
	if err != nil {
		logger.Error("Failed to create pipeline", recorderlog.Error(err))
		os.Exit(1)
	}

	// SIGUSR1 records a clip on demand, SIGHUP reopens the camera
	control := make(chan os.Signal, 1)
	signal.Notify(control, syscall.SIGUSR1, syscall.SIGHUP)
	defer signal.Stop(control)

	exitCode := 0
	if err := svc.Start(ctx); err != nil {
		logger.Error("Failed to start pipeline", recorderlog.Error(err))
		exitCode = 1
	} else {
		logger.Info("Dashcam running", recorderlog.String("service", cfg.Service.Name))
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case sig := <-control:
				handleControl(ctx, svc, sig, logger)
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout.Duration)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", recorderlog.Error(err))
		exitCode = 1
	}
	if exitCode != 0 {
		recorderlog.Zap(logger).Sync()
		os.Exit(exitCode)
	}
}

func handleControl(ctx context.Context, svc *pipeline.Service, sig os.Signal, logger recorderlog.Logger) {
	switch sig {
	case syscall.SIGUSR1:
		out := svc.RequestRecording(admission.RecordingRequest{
			RequestedAt: time.Now(),
			Label:       "manual",
			Manual:      true,
		})
		logger.Info("Manual recording requested", recorderlog.String("outcome", out.String()))
	case syscall.SIGHUP:
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := svc.RestartCamera(rctx); err != nil {
			logger.Error("Camera restart failed", recorderlog.Error(err))
		}
	}
}
