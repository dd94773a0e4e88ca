package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the complete configuration for the capture pipeline
type Config struct {
	Service   ServiceConfig   `toml:"service" json:"service"`
	Camera    CameraConfig    `toml:"camera" json:"camera"`
	Ingest    IngestConfig    `toml:"ingest" json:"ingest"`
	Motion    MotionConfig    `toml:"motion" json:"motion"`
	Recording RecordingConfig `toml:"recording" json:"recording"`
	Buffer    BufferConfig    `toml:"buffer" json:"buffer"`
	Metadata  MetadataConfig  `toml:"metadata" json:"metadata"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Log       LogConfig       `toml:"log" json:"log"`
}

// Duration decodes "10s"-style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// D is shorthand for building a Duration in code.
func D(v time.Duration) Duration { return Duration{v} }

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Name            string   `toml:"name" json:"name"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" json:"shutdown_timeout"`
	MetricsInterval Duration `toml:"metrics_interval" json:"metrics_interval"`
	EventQueueSize  int      `toml:"event_queue_size" json:"event_queue_size"`
}

// CameraConfig selects and configures the frame source
type CameraConfig struct {
	Variant   string  `toml:"variant" json:"variant"` // builtin, socket
	DeviceID  string  `toml:"device_id" json:"device_id"`
	Width     int     `toml:"width" json:"width"`
	Height    int     `toml:"height" json:"height"`
	FrameRate float64 `toml:"frame_rate" json:"frame_rate"`

	SocketURL        string   `toml:"socket_url" json:"socket_url"`
	HandshakeTimeout Duration `toml:"handshake_timeout" json:"handshake_timeout"`
	ReconnectMax     Duration `toml:"reconnect_max" json:"reconnect_max"`
	OpenTimeout      Duration `toml:"open_timeout" json:"open_timeout"`
}

// IngestConfig controls the gating loop
type IngestConfig struct {
	Permits                  int      `toml:"permits" json:"permits"`
	SamplingInterval         Duration `toml:"sampling_interval" json:"sampling_interval"`
	LowPowerSamplingInterval Duration `toml:"low_power_sampling_interval" json:"low_power_sampling_interval"`
}

// MotionConfig contains motion detection configuration
type MotionConfig struct {
	GridSize            int     `toml:"grid_size" json:"grid_size"`
	PixelThreshold      float64 `toml:"pixel_threshold" json:"pixel_threshold"`
	MotionlessThreshold int     `toml:"motionless_threshold" json:"motionless_threshold"`
	WindowSize          int     `toml:"window_size" json:"window_size"`
	PyramidLevels       int     `toml:"pyramid_levels" json:"pyramid_levels"`
}

// RecordingConfig contains admission settings
type RecordingConfig struct {
	ClipDir        string   `toml:"clip_dir" json:"clip_dir"`
	Cooldown       Duration `toml:"cooldown" json:"cooldown"`
	LivenessMaxAge Duration `toml:"liveness_max_age" json:"liveness_max_age"`
	MinClipBytes   int64    `toml:"min_clip_bytes" json:"min_clip_bytes"`
	RerecordDelay  Duration `toml:"rerecord_delay" json:"rerecord_delay"`
	WatchdogPeriod Duration `toml:"watchdog_period" json:"watchdog_period"`
	MinFreeMB      uint64   `toml:"min_free_mb" json:"min_free_mb"`
}

// BufferConfig contains circular encoder configuration
type BufferConfig struct {
	RingDuration    Duration `toml:"ring_duration" json:"ring_duration"`
	MaxPackets      int      `toml:"max_packets" json:"max_packets"`
	PostRoll        Duration `toml:"post_roll" json:"post_roll"`
	MaxClipDuration Duration `toml:"max_clip_duration" json:"max_clip_duration"`
	InputQueue      int      `toml:"input_queue" json:"input_queue"`
	SessionQueue    int      `toml:"session_queue" json:"session_queue"`
	JPEGQuality     int      `toml:"jpeg_quality" json:"jpeg_quality"`
	CloseTimeout    Duration `toml:"close_timeout" json:"close_timeout"`
}

// MetadataConfig controls the clip/metadata window
type MetadataConfig struct {
	WindowSlack       Duration `toml:"window_slack" json:"window_slack"`
	LargeClipBytes    int64    `toml:"large_clip_bytes" json:"large_clip_bytes"`
	LargeClipDuration Duration `toml:"large_clip_duration" json:"large_clip_duration"`
	SmallClipDuration Duration `toml:"small_clip_duration" json:"small_clip_duration"`
}

// TelemetryConfig configures sample-derived gating flags
type TelemetryConfig struct {
	Role             string      `toml:"role" json:"role"`
	MinSpeedMPS      float64     `toml:"min_speed_mps" json:"min_speed_mps"`
	MaxSpeedMPS      float64     `toml:"max_speed_mps" json:"max_speed_mps"`
	MaxAccuracyM     float64     `toml:"max_accuracy_m" json:"max_accuracy_m"`
	ThermalThreshold float64     `toml:"thermal_threshold_c" json:"thermal_threshold_c"`
	ThermalRecover   float64     `toml:"thermal_recover_c" json:"thermal_recover_c"`
	ThermalInterval  Duration    `toml:"thermal_interval" json:"thermal_interval"`
	SurgeZones       []ZoneEntry `toml:"surge_zones" json:"surge_zones"`
	Boundaries       []AreaEntry `toml:"boundaries" json:"boundaries"`
}

// ZoneEntry is a circular surge zone.
type ZoneEntry struct {
	ID           string  `toml:"id" json:"id"`
	Lat          float64 `toml:"lat" json:"lat"`
	Lon          float64 `toml:"lon" json:"lon"`
	RadiusMeters float64 `toml:"radius_m" json:"radius_m"`
	Enabled      bool    `toml:"enabled" json:"enabled"`
}

// AreaEntry is a polygon boundary given as [lon, lat] pairs.
type AreaEntry struct {
	ID        string       `toml:"id" json:"id"`
	Forbidden bool         `toml:"forbidden" json:"forbidden"`
	Excluded  bool         `toml:"excluded" json:"excluded"` // road markings and similar paths
	Ring      [][2]float64 `toml:"ring" json:"ring"`
}

// StorageConfig contains clip handoff configuration
type StorageConfig struct {
	MinIO    MinIOConfig    `toml:"minio" json:"minio"`
	Postgres PostgresConfig `toml:"postgres" json:"postgres"`

	QueueSize     int      `toml:"queue_size" json:"queue_size"`
	UploadRetries int      `toml:"upload_retries" json:"upload_retries"`
	UploadTimeout Duration `toml:"upload_timeout" json:"upload_timeout"`
	DeleteAfter   bool     `toml:"delete_after_upload" json:"delete_after_upload"`
}

// MinIOConfig contains MinIO-specific configuration
type MinIOConfig struct {
	Enabled         bool     `toml:"enabled" json:"enabled"`
	Endpoint        string   `toml:"endpoint" json:"endpoint"`
	AccessKeyID     string   `toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string   `toml:"secret_access_key" json:"-"`
	UseSSL          bool     `toml:"use_ssl" json:"use_ssl"`
	Bucket          string   `toml:"bucket" json:"bucket"`
	Region          string   `toml:"region" json:"region"`
	MaxUploads      int      `toml:"max_uploads" json:"max_uploads"`
	ConnectTimeout  Duration `toml:"connect_timeout" json:"connect_timeout"`
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	Enabled         bool     `toml:"enabled" json:"enabled"`
	Host            string   `toml:"host" json:"host"`
	Port            int      `toml:"port" json:"port"`
	Database        string   `toml:"database" json:"database"`
	Username        string   `toml:"username" json:"username"`
	Password        string   `toml:"password" json:"-"`
	SSLMode         string   `toml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int      `toml:"max_connections" json:"max_connections"`
	MaxIdleConns    int      `toml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"` // json, console
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "dashcam",
			ShutdownTimeout: D(30 * time.Second),
			MetricsInterval: D(30 * time.Second),
			EventQueueSize:  64,
		},
		Camera: CameraConfig{
			Variant:          "builtin",
			Width:            1280,
			Height:           720,
			FrameRate:        30,
			HandshakeTimeout: D(5 * time.Second),
			ReconnectMax:     D(30 * time.Second),
			OpenTimeout:      D(10 * time.Second),
		},
		Ingest: IngestConfig{
			Permits:                  2,
			SamplingInterval:         D(200 * time.Millisecond),
			LowPowerSamplingInterval: D(time.Second),
		},
		Motion: MotionConfig{
			GridSize:            3,
			PixelThreshold:      2.0,
			MotionlessThreshold: 30,
			WindowSize:          21,
			PyramidLevels:       3,
		},
		Recording: RecordingConfig{
			ClipDir:        "clips",
			Cooldown:       D(10 * time.Second),
			LivenessMaxAge: D(3 * time.Second),
			MinClipBytes:   2 * 1024 * 1024,
			RerecordDelay:  D(time.Second),
			WatchdogPeriod: D(time.Second),
			MinFreeMB:      512,
		},
		Buffer: BufferConfig{
			RingDuration:    D(15 * time.Second),
			MaxPackets:      900,
			PostRoll:        D(10 * time.Second),
			MaxClipDuration: D(30 * time.Second),
			InputQueue:      8,
			SessionQueue:    64,
			JPEGQuality:     80,
			CloseTimeout:    D(5 * time.Second),
		},
		Metadata: MetadataConfig{
			WindowSlack:       D(time.Second),
			LargeClipBytes:    4 * 1024 * 1024,
			LargeClipDuration: D(10 * time.Second),
			SmallClipDuration: D(time.Second),
		},
		Telemetry: TelemetryConfig{
			Role:             "driver",
			MinSpeedMPS:      0,
			MaxSpeedMPS:      70,
			MaxAccuracyM:     50,
			ThermalThreshold: 80,
			ThermalRecover:   70,
			ThermalInterval:  D(15 * time.Second),
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Endpoint:       "localhost:9000",
				Bucket:         "dashcam-clips",
				Region:         "us-east-1",
				MaxUploads:     2,
				ConnectTimeout: D(30 * time.Second),
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "dashcam",
				SSLMode:         "disable",
				MaxConnections:  5,
				MaxIdleConns:    2,
				ConnMaxLifetime: D(5 * time.Minute),
			},
			QueueSize:     16,
			UploadRetries: 5,
			UploadTimeout: D(5 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides (a .env file in the working directory is loaded
// first when present). An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				row, col := derr.Position()
				return nil, fmt.Errorf("failed to parse config %s at %d:%d: %w", path, row, col, err)
			}
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	applyEnv(cfg)

	return cfg, nil
}

// applyEnv overlays secrets and deployment-specific values.
func applyEnv(cfg *Config) {
	cfg.Log.Level = getEnv("DASHCAM_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("DASHCAM_LOG_FORMAT", cfg.Log.Format)
	cfg.Camera.Variant = getEnv("DASHCAM_CAMERA", cfg.Camera.Variant)
	cfg.Camera.SocketURL = getEnv("DASHCAM_SOCKET_URL", cfg.Camera.SocketURL)
	cfg.Recording.ClipDir = getEnv("DASHCAM_CLIP_DIR", cfg.Recording.ClipDir)

	cfg.Storage.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", cfg.Storage.MinIO.Endpoint)
	cfg.Storage.MinIO.AccessKeyID = getEnv("MINIO_ACCESS_KEY_ID", cfg.Storage.MinIO.AccessKeyID)
	cfg.Storage.MinIO.SecretAccessKey = getEnv("MINIO_SECRET_ACCESS_KEY", cfg.Storage.MinIO.SecretAccessKey)
	cfg.Storage.MinIO.Bucket = getEnv("MINIO_BUCKET", cfg.Storage.MinIO.Bucket)
	cfg.Storage.MinIO.UseSSL = getEnvBool("MINIO_USE_SSL", cfg.Storage.MinIO.UseSSL)

	cfg.Storage.Postgres.Host = getEnv("POSTGRES_HOST", cfg.Storage.Postgres.Host)
	cfg.Storage.Postgres.Port = getEnvInt("POSTGRES_PORT", cfg.Storage.Postgres.Port)
	cfg.Storage.Postgres.Username = getEnv("POSTGRES_USERNAME", cfg.Storage.Postgres.Username)
	cfg.Storage.Postgres.Password = getEnv("POSTGRES_PASSWORD", cfg.Storage.Postgres.Password)
	cfg.Storage.Postgres.Database = getEnv("POSTGRES_DATABASE", cfg.Storage.Postgres.Database)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
