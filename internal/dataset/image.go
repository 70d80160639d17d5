package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Shape is the per-sample input layout, channels first.
type Shape struct {
	Channels int
	Height   int
	Width    int
}

// Size is the number of float64 values one sample occupies.
func (s Shape) Size() int {
	return s.Channels * s.Height * s.Width
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Channels, s.Height, s.Width)
}

// DecodeImage decodes raw image bytes, resizes them to shape and returns
// CHW intensities in [0, 1]. One channel means grayscale, three means RGB.
func DecodeImage(raw []byte, shape Shape) ([]float64, error) {
	if shape.Channels != 1 && shape.Channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", shape.Channels)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, errors.New("empty image")
	}

	dst := image.NewRGBA(image.Rect(0, 0, shape.Width, shape.Height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)

	plane := shape.Height * shape.Width
	out := make([]float64, shape.Size())
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			off := dst.PixOffset(x, y)
			r := float64(dst.Pix[off]) / 255
			g := float64(dst.Pix[off+1]) / 255
			b := float64(dst.Pix[off+2]) / 255
			i := y*shape.Width + x
			if shape.Channels == 1 {
				out[i] = (r + g + b) / 3
				continue
			}
			out[i] = r
			out[plane+i] = g
			out[2*plane+i] = b
		}
	}
	return out, nil
}
