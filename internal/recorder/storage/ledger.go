// storage/ledger.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mikeyg42/dashcam/internal/recorder/metasync"
)

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string // disable, require, verify-ca, verify-full
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ClipRecord is one row of the clip ledger.
type ClipRecord struct {
	SessionID      string          `db:"session_id"`
	Path           string          `db:"path"`
	SizeBytes      int64           `db:"size_bytes"`
	StartedAt      time.Time       `db:"started_at"`
	EndedAt        time.Time       `db:"ended_at"`
	DurationMS     int64           `db:"duration_ms"`
	DurationSource string          `db:"duration_source"`
	Label          string          `db:"label"`
	ZoneID         string          `db:"zone_id"`
	Tags           pq.StringArray  `db:"tags"`
	Metadata       json.RawMessage `db:"metadata"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Ledger records every clip handed off, so uploads can be reconciled
// against what the device produced.
type Ledger struct {
	db     *sqlx.DB
	logger *zap.Logger

	inserted   atomic.Uint64
	duplicates atomic.Uint64
	errors     atomic.Uint64
}

const ledgerSchema = `
	CREATE TABLE IF NOT EXISTS clips (
		session_id VARCHAR(64) PRIMARY KEY,
		path TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		duration_source VARCHAR(16) NOT NULL,
		label VARCHAR(255) NOT NULL DEFAULT '',
		zone_id VARCHAR(255) NOT NULL DEFAULT '',
		tags TEXT[] DEFAULT '{}',
		metadata JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_clips_started_at ON clips(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_clips_zone_id ON clips(zone_id);
	CREATE INDEX IF NOT EXISTS idx_clips_metadata ON clips USING GIN(metadata);
`

const insertClip = `
	INSERT INTO clips (
		session_id, path, size_bytes, started_at, ended_at,
		duration_ms, duration_source, label, zone_id, tags, metadata
	) VALUES (
		:session_id, :path, :size_bytes, :started_at, :ended_at,
		:duration_ms, :duration_source, :label, :zone_id, :tags, :metadata
	)
	ON CONFLICT (session_id) DO NOTHING
`

// NewLedger connects to Postgres and creates the schema.
func NewLedger(ctx context.Context, config PostgresConfig) (*Ledger, error) {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 4
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode,
	)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l := NewLedgerFromDB(db)
	if err := l.InitSchema(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

// NewLedgerFromDB wraps an open database handle.
func NewLedgerFromDB(db *sqlx.DB) *Ledger {
	return &Ledger{db: db, logger: zap.L().Named("clip-ledger")}
}

// InitSchema creates the clips table if it doesn't exist
func (l *Ledger) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, ledgerSchema)
	return err
}

// Record converts a finished clip to a ledger row.
func Record(clip *metasync.FinishedClip) (*ClipRecord, error) {
	md, err := json.Marshal(clip.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	rec := &ClipRecord{
		SessionID:      clip.SessionID,
		Path:           clip.Path,
		SizeBytes:      clip.Size,
		StartedAt:      clip.StartAt.UTC(),
		EndedAt:        clip.EndAt.UTC(),
		DurationMS:     clip.Duration.Milliseconds(),
		DurationSource: clip.DurationSource,
		Label:          clip.Label,
		ZoneID:         clip.Metadata["zone_id"],
		Tags:           pq.StringArray{},
		Metadata:       md,
	}
	if clip.Metadata["manual"] == "true" {
		rec.Tags = append(rec.Tags, "manual")
	}
	if clip.Label != "" {
		rec.Tags = append(rec.Tags, clip.Label)
	}
	return rec, nil
}

// Enqueue inserts the clip. Handing the same session off twice is a no-op.
func (l *Ledger) Enqueue(ctx context.Context, clip *metasync.FinishedClip) error {
	rec, err := Record(clip)
	if err != nil {
		return &StorageError{Op: "ledger_insert", Key: clip.SessionID, Err: err}
	}

	res, err := l.db.NamedExecContext(ctx, insertClip, rec)
	if err != nil {
		l.errors.Add(1)
		return &StorageError{Op: "ledger_insert", Key: clip.SessionID, Err: err, Retryable: true}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		l.duplicates.Add(1)
		l.logger.Debug("Clip already recorded", zap.String("session_id", clip.SessionID))
		return nil
	}

	l.inserted.Add(1)
	l.logger.Info("Clip recorded",
		zap.String("session_id", clip.SessionID),
		zap.Int64("duration_ms", rec.DurationMS),
		zap.String("zone_id", rec.ZoneID))
	return nil
}

// Since returns the clips that started at or after t, newest first.
func (l *Ledger) Since(ctx context.Context, t time.Time, limit int) ([]ClipRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []ClipRecord
	err := l.db.SelectContext(ctx, &out, `
		SELECT session_id, path, size_bytes, started_at, ended_at, duration_ms,
			duration_source, label, zone_id, tags, metadata, created_at
		FROM clips
		WHERE started_at >= $1
		ORDER BY started_at DESC
		LIMIT $2`, t.UTC(), limit)
	if err != nil {
		return nil, &StorageError{Op: "ledger_query", Err: err}
	}
	return out, nil
}

// HealthCheck verifies the database is reachable
func (l *Ledger) HealthCheck(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

// GetMetrics returns ledger counters
func (l *Ledger) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"inserted":   l.inserted.Load(),
		"duplicates": l.duplicates.Load(),
		"errors":     l.errors.Load(),
	}
}
