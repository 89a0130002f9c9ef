package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 10, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 10; x++ {
			src.Set(x, y, color.RGBA{R: 255, B: 51, A: 255})
		}
	}

	out := Resize(src)
	assert.Equal(t, image.Rect(0, 0, InputSize, InputSize), out.Bounds())
	assert.Equal(t, color.RGBA{R: 255, B: 51, A: 255}, out.RGBAAt(100, 100))
}

func TestSized_KeepsInputSizedRGBA(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, InputSize, InputSize))
	assert.Same(t, img, Sized(img))

	other := image.NewRGBA(image.Rect(0, 0, 32, 32))
	assert.Equal(t, InputSize, Sized(other).Bounds().Dx())
}
