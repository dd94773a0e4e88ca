// helpers that sit between the file config and the packages that consume it:
// validation of pipeline invariants and mapping to storage-package types.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mikeyg42/dashcam/internal/recorder/storage"
)

// CreateStorageConfigs maps main config to storage-package-specific types
func CreateStorageConfigs(cfg *Config) (storage.MinIOConfig, storage.PostgresConfig, error) {
	if err := ValidateConfig(cfg); err != nil {
		return storage.MinIOConfig{}, storage.PostgresConfig{}, fmt.Errorf("config failed validation: %w", err)
	}

	minioCfg := storage.MinIOConfig{
		Endpoint:        cfg.Storage.MinIO.Endpoint,
		AccessKeyID:     cfg.Storage.MinIO.AccessKeyID,
		SecretAccessKey: cfg.Storage.MinIO.SecretAccessKey,
		UseSSL:          cfg.Storage.MinIO.UseSSL,
		Bucket:          cfg.Storage.MinIO.Bucket,
		Region:          cfg.Storage.MinIO.Region,
		MaxUploads:      cfg.Storage.MinIO.MaxUploads,
		QueueSize:       cfg.Storage.QueueSize,
		ConnectTimeout:  cfg.Storage.MinIO.ConnectTimeout.Duration,
		RequestTimeout:  cfg.Storage.UploadTimeout.Duration,
		MaxRetries:      cfg.Storage.UploadRetries,
		RetryBackoff:    500 * time.Millisecond,

		DeleteAfterUpload: cfg.Storage.DeleteAfter,
	}

	pgCfg := storage.PostgresConfig{
		Host:            cfg.Storage.Postgres.Host,
		Port:            cfg.Storage.Postgres.Port,
		Database:        cfg.Storage.Postgres.Database,
		Username:        cfg.Storage.Postgres.Username,
		Password:        cfg.Storage.Postgres.Password,
		SSLMode:         cfg.Storage.Postgres.SSLMode,
		MaxConnections:  cfg.Storage.Postgres.MaxConnections,
		MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime.Duration,
	}

	return minioCfg, pgCfg, nil
}

// ValidateConfig checks the settings the pipeline relies on and creates the
// clip directory.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch cfg.Camera.Variant {
	case "builtin":
	case "socket":
		if cfg.Camera.SocketURL == "" {
			return fmt.Errorf("camera.socket_url is required for the socket camera")
		}
	default:
		return fmt.Errorf("camera.variant must be builtin or socket, got %q", cfg.Camera.Variant)
	}
	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		return fmt.Errorf("camera dimensions must be positive")
	}

	if cfg.Ingest.Permits < 1 {
		return fmt.Errorf("ingest.permits must be at least 1")
	}
	if cfg.Ingest.SamplingInterval.Duration <= 0 {
		return fmt.Errorf("ingest.sampling_interval must be positive")
	}
	if cfg.Ingest.LowPowerSamplingInterval.Duration < cfg.Ingest.SamplingInterval.Duration {
		return fmt.Errorf("ingest.low_power_sampling_interval must not be shorter than sampling_interval")
	}

	if cfg.Motion.GridSize < 1 {
		return fmt.Errorf("motion.grid_size must be at least 1")
	}
	if cfg.Motion.PixelThreshold <= 0 {
		return fmt.Errorf("motion.pixel_threshold must be positive")
	}
	if cfg.Motion.MotionlessThreshold < 1 {
		return fmt.Errorf("motion.motionless_threshold must be at least 1")
	}

	if cfg.Recording.ClipDir == "" {
		return fmt.Errorf("recording.clip_dir is required")
	}
	if err := os.MkdirAll(cfg.Recording.ClipDir, 0o755); err != nil {
		return fmt.Errorf("failed to create clip directory %s: %w", cfg.Recording.ClipDir, err)
	}
	if cfg.Recording.Cooldown.Duration <= 0 {
		return fmt.Errorf("recording.cooldown must be positive")
	}
	if cfg.Recording.LivenessMaxAge.Duration <= 0 {
		return fmt.Errorf("recording.liveness_max_age must be positive")
	}
	if cfg.Recording.MinClipBytes <= 0 {
		return fmt.Errorf("recording.min_clip_bytes must be positive")
	}

	if cfg.Buffer.RingDuration.Duration <= 0 || cfg.Buffer.MaxPackets < 1 {
		return fmt.Errorf("buffer.ring_duration and buffer.max_packets must be positive")
	}
	if cfg.Buffer.MaxClipDuration.Duration < cfg.Buffer.PostRoll.Duration {
		return fmt.Errorf("buffer.max_clip_duration must be at least buffer.post_roll")
	}
	if cfg.Buffer.InputQueue < 1 || cfg.Buffer.SessionQueue < 1 {
		return fmt.Errorf("buffer queues must hold at least one item")
	}
	if cfg.Buffer.JPEGQuality < 1 || cfg.Buffer.JPEGQuality > 100 {
		return fmt.Errorf("buffer.jpeg_quality must be within 1..100")
	}

	if cfg.Metadata.WindowSlack.Duration < 0 {
		return fmt.Errorf("metadata.window_slack must not be negative")
	}
	if cfg.Telemetry.MaxSpeedMPS < cfg.Telemetry.MinSpeedMPS {
		return fmt.Errorf("telemetry.max_speed_mps must be >= min_speed_mps")
	}
	for _, a := range cfg.Telemetry.Boundaries {
		if len(a.Ring) < 3 {
			return fmt.Errorf("telemetry boundary %q needs at least 3 points", a.ID)
		}
	}

	if cfg.Storage.MinIO.Enabled {
		if cfg.Storage.MinIO.Endpoint == "" || cfg.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("storage.minio.endpoint and bucket are required")
		}
		if cfg.Storage.MinIO.AccessKeyID == "" || cfg.Storage.MinIO.SecretAccessKey == "" {
			return fmt.Errorf("storage.minio credentials are required (MINIO_ACCESS_KEY_ID / MINIO_SECRET_ACCESS_KEY)")
		}
	}
	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.Host == "" {
		return fmt.Errorf("storage.postgres.host is required")
	}

	return nil
}
