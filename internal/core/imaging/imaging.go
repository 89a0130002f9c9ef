// Package imaging holds the image geometry shared by the classifier and the explainer.
package imaging

import (
	"image"

	"golang.org/x/image/draw"
)

// InputSize is the square edge the model expects.
const InputSize = 224

// Resize scales img to InputSize x InputSize.
func Resize(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, InputSize, InputSize))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Sized reports img as an *image.RGBA already at the model input size, or
// resizes it.
func Sized(img image.Image) *image.RGBA {
	if r, ok := img.(*image.RGBA); ok && r.Bounds().Dx() == InputSize && r.Bounds().Dy() == InputSize {
		return r
	}
	return Resize(img)
}
