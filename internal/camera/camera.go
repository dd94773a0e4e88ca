// Package camera abstracts frame sources. A Camera pushes frames into a sink;
// the Controller owns its lifecycle.
package camera

import (
	"context"
	"errors"

	"github.com/mikeyg42/dashcam/internal/frame"
)

var (
	// ErrBusy is returned by TryOpen while another open or close runs.
	ErrBusy = errors.New("camera operation in progress")
	// ErrNotOpen is returned when delivering from a closed camera.
	ErrNotOpen = errors.New("camera not open")
)

// Settings describe the requested capture format.
type Settings struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float64
}

// Sink receives frames. It takes ownership of each frame and must not block.
type Sink func(*frame.Frame)

// Camera is a frame source.
type Camera interface {
	Name() string
	// External cameras are always correctly oriented.
	External() bool
	Open(ctx context.Context) error
	Configure(s Settings) error
	// DeliverFrames pushes frames to sink until ctx is done or the source
	// fails.
	DeliverFrames(ctx context.Context, sink Sink) error
	Close() error
}
