package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/at-wat/ebml-go/webm"

	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

// CodecMJPEG is the Matroska codec id for motion JPEG.
const CodecMJPEG = "V_MJPEG"

// ClipParams describes the single video track of a clip file.
type ClipParams struct {
	Width     int
	Height    int
	FrameRate float64
	CodecID   string
}

// ClipWriter muxes encoded packets into a Matroska file. Block timestamps are
// relative to the first packet written.
type ClipWriter struct {
	path   string
	file   *os.File
	muxed  <-chan struct{}
	track  webm.BlockWriteCloser
	logger recorderlog.Logger

	base    time.Time
	lastTS  int64
	started bool

	mu     sync.Mutex
	closed atomic.Bool

	// Metrics
	totalBytes  atomic.Uint64
	totalFrames atomic.Uint64
	writeErrors atomic.Uint64
}

// muxerFlushTimeout bounds the wait for the muxer to hand back the file.
const muxerFlushTimeout = 2 * time.Second

// holdOpen keeps the muxer from closing the file so tags can be appended
// after the last cluster. done is closed once the muxer has finished writing.
type holdOpen struct {
	*os.File
	once *sync.Once
	done chan struct{}
}

func (h holdOpen) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

// NewClipWriter creates path (and its directory) and writes the container header.
func NewClipWriter(path string, p ClipParams) (*ClipWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create clip directory: %w", err)
	}
	if p.CodecID == "" {
		p.CodecID = CodecMJPEG
	}
	if p.FrameRate <= 0 {
		p.FrameRate = 30
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create clip file: %w", err)
	}
	h := holdOpen{File: file, once: &sync.Once{}, done: make(chan struct{})}

	ws, err := webm.NewSimpleBlockWriter(h,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        uint64(time.Now().UnixNano()),
				CodecID:         p.CodecID,
				TrackType:       1,
				DefaultDuration: uint64(float64(time.Second) / p.FrameRate),
				Video: &webm.Video{
					PixelWidth:  uint64(p.Width),
					PixelHeight: uint64(p.Height),
				},
			},
		},
	)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create Matroska writer: %w", err)
	}

	return &ClipWriter{
		path:   path,
		file:   file,
		muxed:  h.done,
		track:  ws[0],
		logger: recorderlog.L().Named("clip-writer"),
	}, nil
}

// Path returns the file being written.
func (w *ClipWriter) Path() string { return w.path }

// WritePacket appends one packet. Timestamps that go backwards are clamped so
// block timecodes stay monotonic.
func (w *ClipWriter) WritePacket(p Packet) error {
	if w.closed.Load() {
		return fmt.Errorf("clip writer is closed")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		w.base = p.Timestamp
		w.started = true
	}
	ts := p.Timestamp.Sub(w.base).Milliseconds()
	if ts < w.lastTS {
		ts = w.lastTS
	}
	w.lastTS = ts

	n, err := w.track.Write(p.Keyframe, ts, p.Data)
	if err != nil {
		w.writeErrors.Add(1)
		return fmt.Errorf("failed to write block: %w", err)
	}
	w.totalBytes.Add(uint64(n))
	w.totalFrames.Add(1)
	return nil
}

// Frames returns the number of packets written.
func (w *ClipWriter) Frames() uint64 { return w.totalFrames.Load() }

// Close flushes the last cluster, syncs and closes the file, and returns its size.
func (w *ClipWriter) Close() (int64, error) {
	if !w.closed.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("clip writer already closed")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.track.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close Matroska writer: %w", err)
	}
	select {
	case <-w.muxed:
	case <-time.After(muxerFlushTimeout):
		w.logger.Warn("Muxer did not release clip file", recorderlog.String("path", w.path))
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to sync clip: %w", err)
	}
	var size int64
	if st, err := w.file.Stat(); err == nil {
		size = st.Size()
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close clip: %w", err)
	}

	w.logger.Debug("Clip closed",
		recorderlog.String("path", w.path),
		recorderlog.Uint64("frames", w.totalFrames.Load()),
		recorderlog.Int64("size", size))
	return size, firstErr
}

// Abort closes the writer and removes the partial file.
func (w *ClipWriter) Abort() error {
	if w.closed.CompareAndSwap(false, true) {
		w.mu.Lock()
		w.track.Close()
		w.file.Close()
		w.mu.Unlock()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove clip: %w", err)
	}
	return nil
}

// Metrics returns writer statistics
func (w *ClipWriter) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"path":         w.path,
		"total_bytes":  w.totalBytes.Load(),
		"total_frames": w.totalFrames.Load(),
		"write_errors": w.writeErrors.Load(),
		"closed":       w.closed.Load(),
	}
}
