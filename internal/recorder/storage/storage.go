// Package storage hands finished clips to durable storage: an object store
// upload queue and a Postgres ledger of what was handed off.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mikeyg42/dashcam/internal/recorder/metasync"
)

// Queue takes ownership of finished clips.
type Queue interface {
	Enqueue(ctx context.Context, clip *metasync.FinishedClip) error
}

// ErrQueueFull is returned when an upload queue cannot take another clip.
var ErrQueueFull = errors.New("upload queue full")

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("upload queue closed")

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a storage error worth retrying.
func IsRetryable(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.Retryable
	}
	return false
}

// MultiQueue fans a clip out to several queues. Every queue sees every clip;
// failures are joined.
type MultiQueue []Queue

func (m MultiQueue) Enqueue(ctx context.Context, clip *metasync.FinishedClip) error {
	var errs []error
	for _, q := range m {
		if q == nil {
			continue
		}
		if err := q.Enqueue(ctx, clip); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SpaceChecker refuses new clips when the clip directory runs low on disk.
type SpaceChecker struct {
	Dir    string
	MinMB  uint64
	statfs func(path string, st *unix.Statfs_t) error

	refusals atomic.Uint64
}

// NewSpaceChecker creates a checker for dir. A zero minMB disables the check.
func NewSpaceChecker(dir string, minMB uint64) *SpaceChecker {
	return &SpaceChecker{Dir: dir, MinMB: minMB, statfs: unix.Statfs}
}

// FreeMB returns the space available to unprivileged users on the clip
// directory's filesystem.
func (c *SpaceChecker) FreeMB() (uint64, error) {
	var st unix.Statfs_t
	if err := c.statfs(c.Dir, &st); err != nil {
		return 0, &StorageError{Op: "statfs", Key: c.Dir, Err: err}
	}
	return uint64(st.Bavail) * uint64(st.Bsize) >> 20, nil
}

// Check returns an error when less than MinMB is free.
func (c *SpaceChecker) Check() error {
	if c == nil || c.MinMB == 0 {
		return nil
	}
	free, err := c.FreeMB()
	if err != nil {
		return err
	}
	if free < c.MinMB {
		c.refusals.Add(1)
		return &StorageError{
			Op:  "check_space",
			Key: c.Dir,
			Err: fmt.Errorf("%d MB free, need %d MB", free, c.MinMB),
		}
	}
	return nil
}

// Refusals returns how many checks failed for lack of space.
func (c *SpaceChecker) Refusals() uint64 { return c.refusals.Load() }
