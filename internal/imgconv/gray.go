package imgconv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/dashcam/internal/frame"
)

// ToGray returns a single-channel 8-bit Mat for f. Planar frames use the
// luma plane directly; compressed frames are decoded as grayscale.
// Returns a Mat you own - caller must Close() it.
func ToGray(f *frame.Frame) (gocv.Mat, error) {
	if f == nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: nil frame")
	}

	switch f.Format {
	case frame.FormatJPEG:
		m, err := gocv.IMDecode(f.Data, gocv.IMReadGrayScale)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("imgconv: failed to decode jpeg: %w", err)
		}
		if m.Empty() {
			m.Close()
			return gocv.NewMat(), fmt.Errorf("imgconv: jpeg decoded to empty image")
		}
		return m, nil
	}

	switch im := f.Image.(type) {
	case *image.YCbCr:
		return lumaPlane(im)
	case *image.Gray:
		return grayPlane(im)
	}

	bgr, err := ToMat(f.Image)
	if err != nil {
		return bgr, err
	}
	defer bgr.Close()
	gray := gocv.NewMat()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)
	return gray, nil
}

func lumaPlane(im *image.YCbCr) (gocv.Mat, error) {
	r := im.Rect
	w, h := r.Dx(), r.Dy()
	if w == 0 || h == 0 {
		return gocv.NewMat(), fmt.Errorf("imgconv: empty image bounds")
	}
	buf := make([]byte, w*h)
	for y := 0; y < h; y++ {
		off := im.YOffset(r.Min.X, r.Min.Y+y)
		copy(buf[y*w:(y+1)*w], im.Y[off:off+w])
	}
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: failed to create Mat from luma: %v", err)
	}
	return m, nil
}

func grayPlane(im *image.Gray) (gocv.Mat, error) {
	r := im.Rect
	w, h := r.Dx(), r.Dy()
	if w == 0 || h == 0 {
		return gocv.NewMat(), fmt.Errorf("imgconv: empty image bounds")
	}
	buf := make([]byte, w*h)
	for y := 0; y < h; y++ {
		off := im.PixOffset(r.Min.X, r.Min.Y+y)
		copy(buf[y*w:(y+1)*w], im.Pix[off:off+w])
	}
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: failed to create Mat from gray: %v", err)
	}
	return m, nil
}
