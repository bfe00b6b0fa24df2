package dataset

import (
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"io"

	"github.com/pkg/errors"
)

// DecodeImage decodes a JPEG or PNG image and resizes it to size x size
// with nearest-neighbour sampling. The result is RGB in CHW order scaled
// to [0, 1].
func DecodeImage(r io.Reader, size int) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image")
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("decode image: empty image")
	}

	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)
	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		srcY := min(int(float64(y)*scaleY), height-1)
		for x := 0; x < size; x++ {
			srcX := min(int(float64(x)*scaleX), width-1)
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			idx := y*size + x
			data[idx] = float32(r) / 65535
			data[plane+idx] = float32(g) / 65535
			data[2*plane+idx] = float32(b) / 65535
		}
	}
	return data, nil
}
