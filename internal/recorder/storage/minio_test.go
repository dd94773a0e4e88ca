package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	minio "github.com/minio/minio-go/v7"

	"github.com/mikeyg42/dashcam/internal/recorder/metasync"
)

type putCall struct {
	key  string
	body string
	opts minio.PutObjectOptions
}

type fakePutter struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    []putCall
}

func (f *fakePutter) PutObject(_ context.Context, _, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	body, _ := io.ReadAll(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return minio.UploadInfo{}, errors.New("connection refused")
	}
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	f.calls = append(f.calls, putCall{key: key, body: string(body), opts: opts})
	return minio.UploadInfo{Key: key, Size: size}, nil
}

func writeClip(t *testing.T) *metasync.FinishedClip {
	t.Helper()
	c := testClip()
	c.Path = filepath.Join(t.TempDir(), filepath.Base(c.Path))
	if err := os.WriteFile(c.Path, []byte("matroska bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.Metadata["location_history"] = `[{"lat":1}]`
	c.Metadata["address"] = "Straße 1"
	return c
}

func TestMinIOQueueUploadsClipAndSidecar(t *testing.T) {
	fp := &fakePutter{failures: 2}
	q := newMinIOQueue(fp, MinIOConfig{Bucket: "clips", Prefix: "dev1", RetryBackoff: time.Millisecond, MaxRetries: 3, DeleteAfterUpload: true})
	q.Start()
	c := writeClip(t)

	if err := q.Enqueue(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(fp.calls) != 2 {
		t.Fatalf("uploads = %d, want clip and sidecar", len(fp.calls))
	}
	clip, sidecar := fp.calls[0], fp.calls[1]
	wantKey := "dev1/2024/05/01/" + filepath.Base(c.Path)
	if clip.key != wantKey || sidecar.key != wantKey+".json" {
		t.Fatalf("keys = %q, %q", clip.key, sidecar.key)
	}
	if clip.body != "matroska bytes" {
		t.Fatalf("clip body rewound incorrectly: %q", clip.body)
	}
	if clip.opts.ContentType != "video/x-matroska" {
		t.Fatalf("content type = %q", clip.opts.ContentType)
	}
	md := clip.opts.UserMetadata
	if md["zone_id"] != "downtown" {
		t.Fatalf("user metadata = %v", md)
	}
	if _, ok := md["location_history"]; ok {
		t.Fatalf("histories must stay out of object headers")
	}
	if _, ok := md["address"]; ok {
		t.Fatalf("non-ASCII values must stay out of object headers")
	}
	if q.GetMetrics()["retries"].(uint64) != 2 {
		t.Fatalf("retries = %v", q.GetMetrics()["retries"])
	}
	if _, err := os.Stat(c.Path); !os.IsNotExist(err) {
		t.Fatalf("clip not removed after upload")
	}
}

func TestMinIOQueueGivesUpAfterRetries(t *testing.T) {
	fp := &fakePutter{failures: 100}
	q := newMinIOQueue(fp, MinIOConfig{Bucket: "clips", RetryBackoff: time.Millisecond, MaxRetries: 2})
	c := writeClip(t)

	err := q.upload(context.Background(), c)
	var serr *StorageError
	if !errors.As(err, &serr) || serr.Op != "put" {
		t.Fatalf("upload = %v", err)
	}
	if _, err := os.Stat(c.Path); err != nil {
		t.Fatalf("failed clip must be kept: %v", err)
	}
	if fp.failures != 97 {
		t.Fatalf("attempts = %d, want 3", 100-fp.failures)
	}
}

func TestMinIOQueueEnqueueWhenFull(t *testing.T) {
	q := newMinIOQueue(&fakePutter{}, MinIOConfig{QueueSize: 1})
	c := testClip()
	if err := q.Enqueue(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, c); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue = %v, want ErrQueueFull", err)
	}

	_ = q.Close(context.Background())
	if err := q.Enqueue(context.Background(), c); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Close = %v", err)
	}
}
