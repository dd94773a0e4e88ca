// Package frame defines the reference-counted camera frame that flows through
// the capture pipeline.
//
// A Frame starts with one reference. Every consumer that keeps the frame
// beyond the call that delivered it must Retain it, and every reference must
// be released with Close on every exit path. When the last reference is
// released the camera's release callback runs exactly once.
package frame

import (
	"image"
	"sync/atomic"
	"time"
)

// Format identifies the pixel layout of a frame.
type Format int

const (
	// FormatYUV is a planar YCbCr image delivered by the built-in camera.
	FormatYUV Format = iota
	// FormatJPEG is a compressed still delivered by an external camera.
	FormatJPEG
)

func (f Format) String() string {
	switch f {
	case FormatYUV:
		return "yuv"
	case FormatJPEG:
		return "jpeg"
	default:
		return "unknown"
	}
}

// Frame is a timestamped pixel buffer.
type Frame struct {
	Image     image.Image // set for FormatYUV
	Data      []byte      // set for FormatJPEG
	Format    Format
	Width     int
	Height    int
	Timestamp time.Time

	refs    atomic.Int32
	release func()
}

// New wraps a decoded image. release may be nil.
func New(img image.Image, ts time.Time, release func()) *Frame {
	f := &Frame{Image: img, Format: FormatYUV, Timestamp: ts, release: release}
	if img != nil {
		b := img.Bounds()
		f.Width, f.Height = b.Dx(), b.Dy()
	}
	f.refs.Store(1)
	return f
}

// NewCompressed wraps a compressed still of the given dimensions.
func NewCompressed(data []byte, width, height int, ts time.Time, release func()) *Frame {
	f := &Frame{Data: data, Format: FormatJPEG, Width: width, Height: height, Timestamp: ts, release: release}
	f.refs.Store(1)
	return f
}

// Retain adds a reference and returns f for chaining.
// Retaining a fully released frame is a programming error and panics.
func (f *Frame) Retain() *Frame {
	for {
		n := f.refs.Load()
		if n <= 0 {
			panic("frame: retain after release")
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return f
		}
	}
}

// Close releases one reference. Closing more times than the frame was
// retained is a no-op.
func (f *Frame) Close() {
	if f == nil {
		return
	}
	for {
		n := f.refs.Load()
		if n <= 0 {
			return
		}
		if f.refs.CompareAndSwap(n, n-1) {
			if n == 1 && f.release != nil {
				f.release()
			}
			return
		}
	}
}

// Refs reports the number of outstanding references.
func (f *Frame) Refs() int { return int(f.refs.Load()) }

// Released reports whether every reference has been closed.
func (f *Frame) Released() bool { return f.refs.Load() <= 0 }
