// storage/minio.go
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/dashcam/internal/recorder/metasync"
)

// objectPutter is the part of the MinIO client the queue uses.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string // key prefix, e.g. "clips/"

	// Upload workers
	MaxUploads int
	QueueSize  int

	// Timeouts
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration

	// Remove the local clip once both objects are stored
	DeleteAfterUpload bool
}

// MinIOMetrics tracks upload queue activity
type MinIOMetrics struct {
	Enqueued      atomic.Uint64
	Rejected      atomic.Uint64
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	Retries       atomic.Uint64
	ActiveUploads atomic.Int32
}

// MinIOQueue uploads finished clips with their metadata. Each clip becomes
// two objects: the video with scalar metadata as user metadata, and a JSON
// sidecar carrying the full metadata including sample histories.
type MinIOQueue struct {
	client objectPutter
	config MinIOConfig
	logger *zap.Logger

	jobs    chan *metasync.FinishedClip
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started atomic.Bool

	metrics MinIOMetrics
}

func (c *MinIOConfig) withDefaults() {
	if c.MaxUploads <= 0 {
		c.MaxUploads = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// NewMinIOQueue connects to MinIO and makes sure the bucket exists.
func NewMinIOQueue(ctx context.Context, config MinIOConfig) (*MinIOQueue, error) {
	config.withDefaults()

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	q := newMinIOQueue(client, config)

	cctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	exists, err := client.BucketExists(cctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(cctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		q.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}
	return q, nil
}

func newMinIOQueue(client objectPutter, config MinIOConfig) *MinIOQueue {
	config.withDefaults()
	return &MinIOQueue{
		client: client,
		config: config,
		logger: zap.L().Named("minio-queue"),
		jobs:   make(chan *metasync.FinishedClip, config.QueueSize),
	}
}

// Start launches the upload workers. They exit when the queue is closed and
// drained.
func (q *MinIOQueue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < q.config.MaxUploads; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Enqueue hands a clip to the upload workers without waiting for the upload.
func (q *MinIOQueue) Enqueue(ctx context.Context, clip *metasync.FinishedClip) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return &StorageError{Op: "enqueue", Key: clip.SessionID, Err: ErrQueueClosed}
	}
	select {
	case q.jobs <- clip:
		q.metrics.Enqueued.Add(1)
		return nil
	case <-ctx.Done():
		q.metrics.Rejected.Add(1)
		return &StorageError{Op: "enqueue", Key: clip.SessionID, Err: fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err()), Retryable: true}
	}
}

// Close stops accepting clips and waits for queued uploads to finish or ctx
// to expire.
func (q *MinIOQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("uploads still pending: %w", ctx.Err())
	}
}

func (q *MinIOQueue) worker() {
	defer q.wg.Done()
	for clip := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.config.RequestTimeout)
		if err := q.upload(ctx, clip); err != nil {
			q.logger.Error("Clip upload failed",
				zap.String("session_id", clip.SessionID),
				zap.String("path", clip.Path),
				zap.Error(err))
		}
		cancel()
	}
}

// ObjectKey returns the object name for a clip.
func (q *MinIOQueue) ObjectKey(clip *metasync.FinishedClip) string {
	return path.Join(q.config.Prefix, clip.StartAt.UTC().Format("2006/01/02"), filepath.Base(clip.Path))
}

func (q *MinIOQueue) upload(ctx context.Context, clip *metasync.FinishedClip) error {
	key := q.ObjectKey(clip)

	file, err := os.Open(clip.Path)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	opts := minio.PutObjectOptions{
		ContentType:  detectContentType(clip.Path),
		UserMetadata: userMetadata(clip.Metadata),
	}
	if err := q.put(ctx, key, file, stat.Size(), opts); err != nil {
		return err
	}

	sidecar, err := json.Marshal(clip.Metadata)
	if err != nil {
		return &StorageError{Op: "put_sidecar", Key: key, Err: err}
	}
	if err := q.put(ctx, key+".json", bytes.NewReader(sidecar), int64(len(sidecar)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return err
	}

	q.logger.Info("Clip uploaded",
		zap.String("session_id", clip.SessionID),
		zap.String("key", key),
		zap.Int64("size", stat.Size()))

	if q.config.DeleteAfterUpload {
		if err := os.Remove(clip.Path); err != nil {
			q.logger.Warn("Failed to remove uploaded clip", zap.String("path", clip.Path), zap.Error(err))
		}
	}
	return nil
}

// put uploads one object, retrying with exponential backoff. reader must be
// seekable so it can be rewound between attempts.
func (q *MinIOQueue) put(ctx context.Context, key string, reader io.ReadSeeker, size int64, opts minio.PutObjectOptions) error {
	q.metrics.ActiveUploads.Add(1)
	defer q.metrics.ActiveUploads.Add(-1)

	// Fresh backoff per operation
	ebo := backoff.NewExponentialBackOff()
	if q.config.RetryBackoff > 0 {
		ebo.InitialInterval = q.config.RetryBackoff
	}
	ebo.Reset()
	var b backoff.BackOff = ebo
	if q.config.MaxRetries > 0 {
		b = backoff.WithMaxRetries(ebo, uint64(q.config.MaxRetries))
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			q.metrics.Retries.Add(1)
			if _, err := reader.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		info, err := q.client.PutObject(ctx, q.config.Bucket, key, reader, size, opts)
		if err != nil {
			q.metrics.UploadErrors.Add(1)
			if status := getMinioStatusCode(err); status == 403 || status == 400 {
				return backoff.Permanent(err)
			}
			return err
		}

		q.metrics.TotalUploads.Add(1)
		q.metrics.UploadBytes.Add(uint64(info.Size))
		q.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag),
			zap.Int("attempt", attempt))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  true,
		}
	}
	return nil
}

// GetMetrics returns upload queue metrics
func (q *MinIOQueue) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"enqueued":       q.metrics.Enqueued.Load(),
		"rejected":       q.metrics.Rejected.Load(),
		"queued":         len(q.jobs),
		"total_uploads":  q.metrics.TotalUploads.Load(),
		"upload_bytes":   q.metrics.UploadBytes.Load(),
		"upload_errors":  q.metrics.UploadErrors.Load(),
		"retries":        q.metrics.Retries.Load(),
		"active_uploads": q.metrics.ActiveUploads.Load(),
	}
}

// userMetadata keeps the scalar entries that fit in object headers. Sample
// histories only go to the sidecar.
func userMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		if strings.HasSuffix(k, "_history") || k == "workflow_metadata" {
			continue
		}
		if !isASCII(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// detectContentType attempts to detect content type from file extension
func detectContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
