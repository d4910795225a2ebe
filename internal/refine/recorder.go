package refine

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/draw"

	"github.com/samcharles93/satgen/internal/codec"
)

// Recorder receives the best-effort sequence after every pass when
// Config.Debug is set. Record errors are logged and never abort a fill.
type Recorder interface {
	Record(step int, snapshot [][]int) error
	Flush() error
}

// GridRecorder decodes the trailing grid of every snapshot row and, on
// Flush, writes one JPEG with a row per pass and a column per batch row to
// Dir/steps<Device>.jpg.
type GridRecorder struct {
	Codec  codec.ImageCodec
	Dir    string
	Device string
	// Tokens is how many trailing ids form the grid.
	Tokens int

	mu   sync.Mutex
	rows [][]image.Image
}

// NewGridRecorder returns a recorder for grids of side×side ids.
func NewGridRecorder(c codec.ImageCodec, dir, device string, side int) *GridRecorder {
	return &GridRecorder{Codec: c, Dir: dir, Device: device, Tokens: side * side}
}

// Path is the file Flush writes.
func (r *GridRecorder) Path() string {
	return filepath.Join(r.Dir, fmt.Sprintf("steps%s.jpg", r.Device))
}

func (r *GridRecorder) Record(step int, snapshot [][]int) error {
	row := make([]image.Image, 0, len(snapshot))
	for b, seq := range snapshot {
		if len(seq) < r.Tokens {
			return fmt.Errorf("step %d row %d: %d ids, need %d", step, b, len(seq), r.Tokens)
		}
		img, err := r.Codec.DecodeIds(seq[len(seq)-r.Tokens:])
		if err != nil {
			return fmt.Errorf("step %d row %d: %w", step, b, err)
		}
		row = append(row, img)
	}
	r.mu.Lock()
	r.rows = append(r.rows, row)
	r.mu.Unlock()
	return nil
}

// Steps reports how many passes have been recorded since the last Flush.
func (r *GridRecorder) Steps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *GridRecorder) Flush() error {
	r.mu.Lock()
	rows := r.rows
	r.rows = nil
	r.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	cellW, cellH, cols := 0, 0, 0
	for _, row := range rows {
		cols = max(cols, len(row))
		for _, img := range row {
			cellW = max(cellW, img.Bounds().Dx())
			cellH = max(cellH, img.Bounds().Dy())
		}
	}
	if cols == 0 || cellW == 0 {
		return nil
	}
	const gap = 2
	canvas := image.NewRGBA(image.Rect(0, 0, cols*(cellW+gap)+gap, len(rows)*(cellH+gap)+gap))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	for y, row := range rows {
		for x, img := range row {
			at := image.Pt(gap+x*(cellW+gap), gap+y*(cellH+gap))
			draw.Draw(canvas, image.Rectangle{Min: at, Max: at.Add(img.Bounds().Size())}, img, img.Bounds().Min, draw.Src)
		}
	}

	if r.Dir != "" {
		if err := os.MkdirAll(r.Dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(r.Path())
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, canvas, &jpeg.Options{Quality: 90}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
