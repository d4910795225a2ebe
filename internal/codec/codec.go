// Package codec adapts image tokenizers to the filling pipeline. An image
// tokenizer turns a square grid of ids into pixels and back; its vocabulary
// size is the boundary past which ids are not image tokens.
package codec

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// ErrCodec reports ids or images the codec cannot handle.
var ErrCodec = errors.New("codec: invalid input")

// ImageCodec is the tokenizer contract used by the pipeline.
type ImageCodec interface {
	// NumTokens is the number of valid image ids, [0, NumTokens).
	NumTokens() int
	// DecodeIds renders a square grid of ids.
	DecodeIds(ids []int) (image.Image, error)
	// EncodeAsIds encodes each image into GridSide()² ids, row-major.
	EncodeAsIds(imgs []image.Image) ([][]int, error)
	// GridSide is the side of the grid produced by EncodeAsIds.
	GridSide() int
}

// GridSide returns the side of a square grid holding n ids.
func GridSide(n int) (int, error) {
	side := int(math.Sqrt(float64(n)))
	for side*side < n {
		side++
	}
	for side*side > n {
		side--
	}
	if n <= 0 || side*side != n {
		return 0, fmt.Errorf("%w: %d ids do not form a square grid", ErrCodec, n)
	}
	return side, nil
}

// Resize scales img to w×h with Catmull-Rom interpolation. Downscaling then
// upscaling a grid this way is what produces the blurred estimate used to
// seed iterative refinement.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
