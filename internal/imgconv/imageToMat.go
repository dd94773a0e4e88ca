// Package imgconv converts camera images into OpenCV Mats.
package imgconv

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// BT.601 full-range chroma contributions in 16.16 fixed point.
var (
	chromaOnce sync.Once
	chroma     struct {
		crR, cbB, crG, cbG [256]int32
	}
)

func initChroma() {
	chromaOnce.Do(func() {
		for i := 0; i < 256; i++ {
			c := int32(i) - 128
			chroma.crR[i] = (91881*c + (1 << 15)) >> 16
			chroma.cbB[i] = (116130*c + (1 << 15)) >> 16
			chroma.crG[i] = (46802*c + (1 << 15)) >> 16
			chroma.cbG[i] = (22554*c + (1 << 15)) >> 16
		}
	})
}

// ToMat converts an image to a 3-channel BGR Mat.
// Returns a Mat you own - caller must Close() it.
func ToMat(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: nil image")
	}
	if img.Bounds().Empty() {
		return gocv.NewMat(), fmt.Errorf("imgconv: empty image bounds")
	}

	switch im := img.(type) {
	case *image.YCbCr:
		return fromYCbCr(im)
	case *image.Gray:
		g, err := grayPlane(im)
		if err != nil {
			return g, err
		}
		defer g.Close()
		dst := gocv.NewMat()
		gocv.CvtColor(g, &dst, gocv.ColorGrayToBGR)
		return dst, nil
	default:
		return fromGeneric(img)
	}
}

// fromYCbCr handles every subsampling ratio through YOffset/COffset.
func fromYCbCr(im *image.YCbCr) (gocv.Mat, error) {
	initChroma()

	b := im.Bounds()
	w, h := b.Dx(), b.Dy()
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	px, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("imgconv: failed to get Mat data pointer: %v", err)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yy := int32(im.Y[im.YOffset(b.Min.X+x, b.Min.Y+y)])
			ci := im.COffset(b.Min.X+x, b.Min.Y+y)
			cb, cr := im.Cb[ci], im.Cr[ci]

			i := (y*w + x) * 3
			px[i] = clamp(yy + chroma.cbB[cb])
			px[i+1] = clamp(yy - chroma.cbG[cb] - chroma.crG[cr])
			px[i+2] = clamp(yy + chroma.crR[cr])
		}
	}
	return mat, nil
}

func fromGeneric(img image.Image) (gocv.Mat, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	px, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("imgconv: failed to get Mat data pointer: %v", err)
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			px[i], px[i+1], px[i+2] = uint8(bl>>8), uint8(g>>8), uint8(r>>8)
			i += 3
		}
	}
	return mat, nil
}

func clamp(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
