package imaging

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Channels is the number of color channels fed to the backbone.
const Channels = 3

// Tensor is a dense float32 batch in NHWC layout.
type Tensor struct {
	Data  []float32
	Shape [4]int
}

// Decode reads any registered image format (JPEG, PNG, GIF, BMP, TIFF, WebP).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("imaging: failed to decode image: %w", err)
	}
	return img, format, nil
}

// Resize scales img to exactly width x height with bilinear interpolation.
func Resize(img image.Image, height, width int) image.Image {
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear)
}

// Preprocess converts img into a (1, height, width, 3) tensor scaled to [0, 1].
// Any color model is accepted; alpha is dropped.
func Preprocess(img image.Image, height, width int) Tensor {
	t := Tensor{
		Data:  make([]float32, height*width*Channels),
		Shape: [4]int{1, height, width, Channels},
	}
	Fill(t.Data, Resize(img, height, width))
	return t
}

// Fill writes img, which must already be at the target size, into dst as
// HWC float32 values in [0, 1]. dst must hold Dx*Dy*3 values.
func Fill(dst []float32, img image.Image) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := (y*width + x) * Channels
			dst[i] = float32(r) / 65535.0
			dst[i+1] = float32(g) / 65535.0
			dst[i+2] = float32(b) / 65535.0
		}
	}
}
