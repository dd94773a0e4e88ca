package imgconv

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/mikeyg42/dashcam/internal/frame"
)

func TestToMatYCbCrDimensions(t *testing.T) {
	im := image.NewYCbCr(image.Rect(0, 0, 7, 5), image.YCbCrSubsampleRatio420)
	for i := range im.Y {
		im.Y[i] = 200
	}
	for i := range im.Cb {
		im.Cb[i], im.Cr[i] = 128, 128
	}

	m, err := ToMat(im)
	if err != nil {
		t.Fatalf("ToMat: %v", err)
	}
	defer m.Close()
	if m.Cols() != 7 || m.Rows() != 5 || m.Channels() != 3 {
		t.Fatalf("got %dx%dx%d", m.Cols(), m.Rows(), m.Channels())
	}
	v := m.GetVecbAt(2, 3)
	if v[0] != 200 || v[1] != 200 || v[2] != 200 {
		t.Fatalf("neutral chroma should give gray, got %v", v)
	}
}

func TestToGrayUsesLuma(t *testing.T) {
	im := image.NewYCbCr(image.Rect(0, 0, 4, 4), image.YCbCrSubsampleRatio420)
	im.Y[im.YOffset(1, 2)] = 77

	g, err := ToGray(frame.New(im, time.Now(), nil))
	if err != nil {
		t.Fatalf("ToGray: %v", err)
	}
	defer g.Close()
	if g.Channels() != 1 || g.GetUCharAt(2, 1) != 77 {
		t.Fatalf("unexpected luma Mat")
	}
}

func TestToGrayGenericImage(t *testing.T) {
	im := image.NewRGBA(image.Rect(0, 0, 3, 3))
	im.Set(0, 0, color.RGBA{255, 255, 255, 255})

	g, err := ToGray(frame.New(im, time.Now(), nil))
	if err != nil {
		t.Fatalf("ToGray: %v", err)
	}
	defer g.Close()
	if g.GetUCharAt(0, 0) < 250 || g.GetUCharAt(1, 1) != 0 {
		t.Fatalf("unexpected gray values")
	}
}

func TestToMatRejectsNil(t *testing.T) {
	m, err := ToMat(nil)
	defer m.Close()
	if err == nil {
		t.Fatalf("expected error")
	}
}
