package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera adapter
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"

	dcframe "github.com/mikeyg42/dashcam/internal/frame"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

// BuiltinCamera captures planar frames from a local device.
type BuiltinCamera struct {
	logger recorderlog.Logger

	mu       sync.Mutex
	settings Settings
	stream   mediadevices.MediaStream

	frames    atomic.Int64
	readErrs  atomic.Int64
	lastFrame atomic.Int64
}

// NewBuiltinCamera creates a camera for s.DeviceID, or the first video input
// when it is empty.
func NewBuiltinCamera(s Settings, logger recorderlog.Logger) *BuiltinCamera {
	return &BuiltinCamera{settings: s, logger: recorderlog.OrGlobal(logger, "camera.builtin")}
}

func (c *BuiltinCamera) Name() string   { return "builtin" }
func (c *BuiltinCamera) External() bool { return false }

// Configure changes settings; it takes effect on the next Open.
func (c *BuiltinCamera) Configure(s Settings) error {
	if s.Width <= 0 || s.Height <= 0 || s.FrameRate <= 0 {
		return fmt.Errorf("invalid camera settings %dx%d@%.1f", s.Width, s.Height, s.FrameRate)
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	return nil
}

// Open acquires the device.
func (c *BuiltinCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}

	deviceID := c.settings.DeviceID
	if deviceID == "" {
		for _, d := range mediadevices.EnumerateDevices() {
			if d.Kind == mediadevices.VideoInput {
				deviceID = d.DeviceID
				break
			}
		}
		if deviceID == "" {
			return fmt.Errorf("no video input device found")
		}
	}

	s := c.settings
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(m *mediadevices.MediaTrackConstraints) {
			m.DeviceID = prop.String(deviceID)
			m.Width = prop.Int(s.Width)
			m.Height = prop.Int(s.Height)
			m.FrameRate = prop.Float(s.FrameRate)
			m.FrameFormat = prop.FrameFormatOneOf{frame.FormatI420, frame.FormatYUY2, frame.FormatNV12}
		},
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		st, err := mediadevices.GetUserMedia(constraints)
		done <- result{st, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("failed to get user media: %w", r.err)
		}
		c.stream = r.stream
	case <-ctx.Done():
		// release the device if it opens after we gave up
		go func() {
			if r := <-done; r.stream != nil {
				closeStream(r.stream)
			}
		}()
		return fmt.Errorf("camera open: %w", ctx.Err())
	}

	c.logger.Info("Camera opened",
		recorderlog.String("device", deviceID),
		recorderlog.Int("width", s.Width),
		recorderlog.Int("height", s.Height))
	return nil
}

// DeliverFrames reads raw frames until ctx is done. Each frame keeps the
// driver buffer until it is released by its last holder.
func (c *BuiltinCamera) DeliverFrames(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return ErrNotOpen
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return fmt.Errorf("no video tracks available")
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		return fmt.Errorf("track is not a VideoTrack: %T", tracks[0])
	}
	reader := vt.NewReader(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		img, release, err := reader.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.readErrs.Add(1)%100 == 1 {
				c.logger.Warn("Error reading frame", recorderlog.Error(err))
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if img == nil {
			if release != nil {
				release()
			}
			continue
		}

		now := time.Now()
		c.frames.Add(1)
		c.lastFrame.Store(now.UnixNano())
		sink(dcframe.New(img, now, release))
	}
}

// Close releases the device.
func (c *BuiltinCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	closeStream(c.stream)
	c.stream = nil
	return nil
}

func closeStream(s mediadevices.MediaStream) {
	for _, t := range s.GetTracks() {
		t.Close()
	}
}

// Stats returns capture counters
func (c *BuiltinCamera) Stats() map[string]interface{} {
	return map[string]interface{}{
		"frames":      c.frames.Load(),
		"read_errors": c.readErrs.Load(),
		"last_frame":  time.Unix(0, c.lastFrame.Load()),
	}
}
