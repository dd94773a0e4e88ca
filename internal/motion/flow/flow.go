// Package flow tracks a fixed grid of points between consecutive frames
// with pyramidal Lucas-Kanade optical flow.
package flow

import (
	"fmt"
	"image"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/dashcam/internal/frame"
	"github.com/mikeyg42/dashcam/internal/imgconv"
	"github.com/mikeyg42/dashcam/internal/motion"
)

// Config controls the tracked grid and LK parameters.
type Config struct {
	GridSize      int // points per axis
	WindowSize    int
	PyramidLevels int
}

// LKTracker implements motion.Tracker.
type LKTracker struct {
	cfg Config

	mu       sync.Mutex
	prev     gocv.Mat
	hasPrev  bool
	criteria gocv.TermCriteria
}

// New creates a tracker.
func New(cfg Config) *LKTracker {
	if cfg.GridSize <= 0 {
		cfg.GridSize = 3
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 21
	}
	if cfg.PyramidLevels <= 0 {
		cfg.PyramidLevels = 3
	}
	return &LKTracker{
		cfg:      cfg,
		prev:     gocv.NewMat(),
		criteria: gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.01),
	}
}

// Update tracks the grid from the previous gray frame into f.
func (t *LKTracker) Update(f *frame.Frame) (motion.Displacement, bool, error) {
	gray, err := imgconv.ToGray(f)
	if err != nil {
		return motion.Displacement{}, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// a resolution change invalidates the previous frame
	if !t.hasPrev || t.prev.Cols() != gray.Cols() || t.prev.Rows() != gray.Rows() {
		t.swap(gray)
		return motion.Displacement{}, true, nil
	}

	d, err := t.track(t.prev, gray)
	t.swap(gray)
	if err != nil {
		return motion.Displacement{}, false, err
	}
	return d, false, nil
}

// swap keeps cur as the single previous frame.
func (t *LKTracker) swap(cur gocv.Mat) {
	t.prev.Close()
	t.prev = cur
	t.hasPrev = true
}

func (t *LKTracker) track(prev, cur gocv.Mat) (motion.Displacement, error) {
	pts := Grid(cur.Cols(), cur.Rows(), t.cfg.GridSize)
	vec := gocv.NewPoint2fVectorFromPoints(pts)
	defer vec.Close()
	prevPts := gocv.NewMatFromPoint2fVector(vec, true)
	defer prevPts.Close()

	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errs := gocv.NewMat()
	defer errs.Close()

	win := image.Pt(t.cfg.WindowSize, t.cfg.WindowSize)
	gocv.CalcOpticalFlowPyrLKWithParams(prev, cur, prevPts, nextPts, &status, &errs,
		win, t.cfg.PyramidLevels, t.criteria, 0, 1e-4)

	if nextPts.Rows() != len(pts) {
		return motion.Displacement{}, fmt.Errorf("tracked %d of %d points", nextPts.Rows(), len(pts))
	}

	var sumX, sumY float64
	n := 0
	for i, p := range pts {
		if status.GetUCharAt(i, 0) == 0 {
			continue
		}
		v := nextPts.GetVecfAt(i, 0)
		sumX += math.Abs(float64(v[0] - p.X))
		sumY += math.Abs(float64(v[1] - p.Y))
		n++
	}
	if n == 0 {
		// nothing trackable: every point was lost, which only happens on
		// large scene changes
		return motion.Displacement{DX: math.Inf(1), DY: math.Inf(1)}, nil
	}
	return motion.Displacement{DX: sumX / float64(n), DY: sumY / float64(n), Points: n}, nil
}

// Grid returns size*size points evenly spaced inside a w*h image.
func Grid(w, h, size int) []gocv.Point2f {
	pts := make([]gocv.Point2f, 0, size*size)
	for row := 1; row <= size; row++ {
		for col := 1; col <= size; col++ {
			pts = append(pts, gocv.Point2f{
				X: float32(w*col) / float32(size+1),
				Y: float32(h*row) / float32(size+1),
			})
		}
	}
	return pts
}

// Reset drops the previous frame.
func (t *LKTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasPrev = false
}

// Close releases the previous frame.
func (t *LKTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasPrev = false
	return t.prev.Close()
}
