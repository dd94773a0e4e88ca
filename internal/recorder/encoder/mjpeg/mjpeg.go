// Package mjpeg implements a motion-JPEG encoder on top of OpenCV.
// Every packet it produces is a keyframe.
package mjpeg

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/dashcam/internal/frame"
	"github.com/mikeyg42/dashcam/internal/imgconv"
	"github.com/mikeyg42/dashcam/internal/recorder/buffer"
	"github.com/mikeyg42/dashcam/internal/recorder/encoder"
)

// Encoder encodes frames to JPEG.
type Encoder struct {
	cfg    encoder.EncoderConfig
	params []int

	mu     sync.Mutex
	closed atomic.Bool

	frames    atomic.Uint64
	bytes     atomic.Uint64
	errors    atomic.Uint64
	lastSize  atomic.Int64
	totalTime atomic.Int64
}

// New creates an encoder. Quality outside 1..100 falls back to 80.
func New(cfg encoder.EncoderConfig) *Encoder {
	if cfg.Quality < 1 || cfg.Quality > 100 {
		cfg.Quality = 80
	}
	return &Encoder{
		cfg:    cfg,
		params: []int{gocv.IMWriteJpegQuality, cfg.Quality},
	}
}

func (e *Encoder) CodecID() string { return buffer.CodecMJPEG }

// Encode implements encoder.Encoder. Compressed frames without rotation are
// passed through unchanged.
func (e *Encoder) Encode(f *frame.Frame, rot encoder.Rotation) (encoder.Output, error) {
	if e.closed.Load() {
		return encoder.Output{}, &encoder.EncoderError{Code: encoder.ErrCodeClosed, Message: "encoder closed", Fatal: true}
	}
	if f == nil {
		return encoder.Output{}, &encoder.EncoderError{Code: encoder.ErrCodeInput, Message: "nil frame"}
	}
	if !rot.Valid() {
		return encoder.Output{}, &encoder.EncoderError{Code: encoder.ErrCodeInput, Message: fmt.Sprintf("unsupported rotation %d", rot)}
	}

	start := time.Now()
	e.mu.Lock()
	data, err := e.encodeLocked(f, rot)
	e.mu.Unlock()
	if err != nil {
		e.errors.Add(1)
		return encoder.Output{}, err
	}

	e.frames.Add(1)
	e.bytes.Add(uint64(len(data)))
	e.lastSize.Store(int64(len(data)))
	e.totalTime.Add(int64(time.Since(start)))
	return encoder.Output{Data: data, Keyframe: true}, nil
}

func (e *Encoder) encodeLocked(f *frame.Frame, rot encoder.Rotation) ([]byte, error) {
	if f.Format == frame.FormatJPEG && rot == encoder.Rotate0 {
		return append([]byte(nil), f.Data...), nil
	}

	var (
		src gocv.Mat
		err error
	)
	switch f.Format {
	case frame.FormatJPEG:
		src, err = gocv.IMDecode(f.Data, gocv.IMReadColor)
	default:
		src, err = imgconv.ToMat(f.Image)
	}
	if err != nil {
		return nil, &encoder.EncoderError{Code: encoder.ErrCodeInput, Message: err.Error()}
	}
	defer src.Close()
	if src.Empty() {
		return nil, &encoder.EncoderError{Code: encoder.ErrCodeInput, Message: "empty image"}
	}

	img := src
	if rot != encoder.Rotate0 {
		rotated := gocv.NewMat()
		defer rotated.Close()
		gocv.Rotate(src, &rotated, rotateFlag(rot))
		img = rotated
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, e.params)
	if err != nil {
		return nil, &encoder.EncoderError{Code: encoder.ErrCodeEncode, Message: err.Error()}
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func rotateFlag(r encoder.Rotation) gocv.RotateFlag {
	switch r {
	case encoder.Rotate90:
		return gocv.Rotate90Clockwise
	case encoder.Rotate180:
		return gocv.Rotate180Clockwise
	default:
		return gocv.Rotate90CounterClockwise
	}
}

// Close marks the encoder closed; in-flight Encode calls finish first.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed.Store(true)
	return nil
}

func (e *Encoder) GetMetrics() *encoder.EncoderMetrics {
	n := e.frames.Load()
	total := time.Duration(e.totalTime.Load())
	m := &encoder.EncoderMetrics{
		FramesEncoded: n,
		BytesEncoded:  e.bytes.Load(),
		EncodingTime:  total,
		LastFrameSize: int(e.lastSize.Load()),
		KeyFrames:     n,
		Errors:        e.errors.Load(),
	}
	if n > 0 {
		m.AverageFrameTime = total / time.Duration(n)
	}
	return m
}
