package codec

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Palette is an ImageCodec where every id is one colour. A grid decodes to
// an image with Cell×Cell pixels per id; encoding scales the image down to
// Side×Side and picks the nearest colour for every pixel.
type Palette struct {
	colors []color.RGBA
	side   int
	cell   int
}

// NewPalette builds a palette codec. side is the encoded grid side and cell
// the decoded pixel size of one id.
func NewPalette(colors []color.RGBA, side, cell int) (*Palette, error) {
	if len(colors) == 0 {
		return nil, fmt.Errorf("%w: empty palette", ErrCodec)
	}
	if side <= 0 || cell <= 0 {
		return nil, fmt.Errorf("%w: side and cell must be positive (side=%d cell=%d)", ErrCodec, side, cell)
	}
	return &Palette{
		colors: append([]color.RGBA(nil), colors...),
		side:   side,
		cell:   cell,
	}, nil
}

// DefaultPalette spreads n colours evenly over the RGB cube.
func DefaultPalette(n, side, cell int) (*Palette, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: palette size must be positive", ErrCodec)
	}
	levels := 1
	for levels*levels*levels < n {
		levels++
	}
	step := 255
	if levels > 1 {
		step = 255 / (levels - 1)
	}
	colors := make([]color.RGBA, n)
	for i := range colors {
		r := i % levels
		g := (i / levels) % levels
		b := i / (levels * levels)
		colors[i] = color.RGBA{R: uint8(r * step), G: uint8(g * step), B: uint8(b * step), A: 0xff}
	}
	return NewPalette(colors, side, cell)
}

func (p *Palette) NumTokens() int { return len(p.colors) }
func (p *Palette) GridSide() int  { return p.side }
func (p *Palette) CellSize() int  { return p.cell }

// Color returns the colour of id.
func (p *Palette) Color(id int) color.RGBA {
	return p.colors[id]
}

func (p *Palette) DecodeIds(ids []int) (image.Image, error) {
	side, err := GridSide(len(ids))
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, side*p.cell, side*p.cell))
	for i, id := range ids {
		if id < 0 || id >= len(p.colors) {
			return nil, fmt.Errorf("%w: id %d at %d outside palette of %d", ErrCodec, id, i, len(p.colors))
		}
		x, y := (i%side)*p.cell, (i/side)*p.cell
		draw.Draw(img, image.Rect(x, y, x+p.cell, y+p.cell), image.NewUniform(p.colors[id]), image.Point{}, draw.Src)
	}
	return img, nil
}

func (p *Palette) EncodeAsIds(imgs []image.Image) ([][]int, error) {
	out := make([][]int, len(imgs))
	for n, img := range imgs {
		if img == nil || img.Bounds().Empty() {
			return nil, fmt.Errorf("%w: image %d is empty", ErrCodec, n)
		}
		small := image.NewRGBA(image.Rect(0, 0, p.side, p.side))
		draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)
		ids := make([]int, p.side*p.side)
		for y := range p.side {
			for x := range p.side {
				ids[y*p.side+x] = p.nearest(small.RGBAAt(x, y))
			}
		}
		out[n] = ids
	}
	return out, nil
}

func (p *Palette) nearest(c color.RGBA) int {
	best, bestD := 0, -1
	for i, pc := range p.colors {
		dr := int(c.R) - int(pc.R)
		dg := int(c.G) - int(pc.G)
		db := int(c.B) - int(pc.B)
		d := dr*dr + dg*dg + db*db
		if bestD < 0 || d < bestD {
			best, bestD = i, d
		}
	}
	return best
}
