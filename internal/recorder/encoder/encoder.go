// encoder/encoder.go
package encoder

import (
	"fmt"
	"time"

	"github.com/mikeyg42/dashcam/internal/frame"
)

// Rotation is a clockwise rotation applied before encoding.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Valid reports whether r is one of the four supported rotations.
func (r Rotation) Valid() bool {
	switch r {
	case Rotate0, Rotate90, Rotate180, Rotate270:
		return true
	}
	return false
}

// Output is one encoded frame.
type Output struct {
	Data     []byte
	Keyframe bool
}

// Encoder defines the interface for video encoding
type Encoder interface {
	// Encode compresses f, rotated by rot. The frame is not closed.
	Encode(f *frame.Frame, rot Rotation) (Output, error)
	// CodecID is the Matroska codec id of the produced stream.
	CodecID() string
	Close() error
	GetMetrics() *EncoderMetrics
}

// EncoderMetrics provides runtime statistics
type EncoderMetrics struct {
	FramesEncoded    uint64
	BytesEncoded     uint64
	EncodingTime     time.Duration
	AverageFrameTime time.Duration
	LastFrameSize    int
	KeyFrames        uint64
	Errors           uint64
}

// EncoderConfig contains encoding parameters
type EncoderConfig struct {
	Width     int
	Height    int
	FrameRate float64
	Quality   int // 1..100
}

// Error codes reported by encoders.
const (
	ErrCodeInput  = 1
	ErrCodeEncode = 2
	ErrCodeClosed = 3
)

// Error types for better error handling
type EncoderError struct {
	Code    int
	Message string
	Fatal   bool
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("encoder error %d: %s (fatal: %v)", e.Code, e.Message, e.Fatal)
}
