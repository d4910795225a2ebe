package generation

import (
	"context"
	"fmt"
	"image"

	"github.com/samcharles93/satgen/internal/codec"
	"github.com/samcharles93/satgen/internal/layout"
	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/logits"
	"github.com/samcharles93/satgen/internal/refine"
)

// Config drives the two-stage 2D filling pipeline.
type Config struct {
	Layout layout.Layout
	// LowResSide is the side of the coarse grid that ends stage one's
	// output. Its decoded image seeds the refinement grid.
	LowResSide int
	// PadID fills the left padding run.
	PadID int

	Stage1 SequenceConfig
	Refine refine.Config

	// DebugDir and Device name the snapshot file written when
	// Refine.Debug is set and no recorder is configured.
	DebugDir string
	Device   string

	Logger logger.Logger
}

// DefaultConfig returns the layout-independent defaults: a 32×32 coarse grid
// and the default refinement budget.
func DefaultConfig(l layout.Layout) Config {
	return Config{
		Layout:     l,
		LowResSide: 32,
		Stage1:     DefaultSequenceConfig(),
		Refine:     refine.DefaultConfig(),
		DebugDir:   ".",
	}
}

// Fill2D fills an image grid conditioned on a text and coarse-image prefix.
//
// seq ends with a terminator followed by the G unknown grid positions, where
// G is the layout grid length. Everything before that is generated first
// with plain causal attention, batched Stage1.BatchSize times. The coarse
// grid at the end of each stage-one row is decoded, upscaled and re-encoded
// into a blurred estimate, and the padded batch is then refined with the
// sparse attention mode and model memory disabled. Both settings are
// restored before returning.
func Fill2D(ctx context.Context, m refine.Model, c codec.ImageCodec, seq []int, cfg Config) (*refine.Result, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: an image codec is required", refine.ErrConfig)
	}
	grid := cfg.Layout.GridLen()
	if side := c.GridSide(); side*side != grid {
		return nil, fmt.Errorf("%w: codec grid %dx%d does not cover %d layout positions", layout.ErrConfig, side, side, grid)
	}
	if len(seq) <= grid+1 {
		return nil, fmt.Errorf("%w: sequence of %d is too short for a grid of %d plus terminator", ErrSequence, len(seq), grid)
	}
	seq0, seq1 := seq[:len(seq)-(grid+1)], seq[len(seq)-(grid+1):]
	if cfg.Layout.Segment1End-len(seq0) <= 0 {
		return nil, fmt.Errorf("%w: prefix of %d does not fit before position %d; truncate long input before filling", layout.ErrConfig, len(seq0), cfg.Layout.Segment1End)
	}
	if cfg.LowResSide <= 0 || cfg.LowResSide*cfg.LowResSide > len(seq0) {
		return nil, fmt.Errorf("%w: low resolution grid %d does not fit in a prefix of %d", refine.ErrConfig, cfg.LowResSide, len(seq0))
	}
	if err := cfg.Refine.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	log = log.With("component", "fill2d")
	imageOnly := []logits.Range{logits.From(c.NumTokens())}

	stage1 := cfg.Stage1
	if stage1.InvalidRanges == nil {
		stage1.InvalidRanges = imageOnly
	}
	if stage1.Logger == nil {
		stage1.Logger = log
	}
	var output0 [][]int
	err := WithAttentionMode(m, ModeStandard, func() error {
		var err error
		output0, err = FillSequence(ctx, m, seq0, stage1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stage one: %w", err)
	}
	log.Debug("stage one done", "rows", len(output0))

	blur, err := blurredInit(c, output0, cfg.LowResSide)
	if err != nil {
		return nil, fmt.Errorf("blurred init: %w", err)
	}
	b, err := layout.Build(output0, seq1, cfg.Layout, cfg.PadID)
	if err != nil {
		return nil, err
	}

	rcfg := cfg.Refine
	rcfg.InvalidRanges = append(append([]logits.Range(nil), rcfg.InvalidRanges...), imageOnly...)
	if rcfg.Logger == nil {
		rcfg.Logger = log
	}
	if rcfg.Debug && rcfg.Recorder == nil {
		rcfg.Recorder = refine.NewGridRecorder(c, cfg.DebugDir, cfg.Device, c.GridSide())
	}

	var res *refine.Result
	err = WithMemoryLength(m, 0, func() error {
		return WithAttentionMode(m, ModeSparse2D, func() error {
			var err error
			res, err = refine.Fill(ctx, m, refine.Input{
				Sequence:    b.Sequence,
				PositionIDs: b.PositionIDs,
				Mask:        b.Mask,
				Init:        blur,
			}, rcfg)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// blurredInit decodes the trailing side×side coarse grid of every row,
// upscales it to the codec's grid resolution and re-encodes it.
func blurredInit(c codec.ImageCodec, rows [][]int, side int) ([][]int, error) {
	n := side * side
	imgs := make([]image.Image, len(rows))
	for b, row := range rows {
		img, err := safeDecode(c, row[len(row)-n:])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", b, err)
		}
		scale := float64(c.GridSide()) / float64(side)
		w := int(float64(img.Bounds().Dx())*scale + 0.5)
		h := int(float64(img.Bounds().Dy())*scale + 0.5)
		imgs[b] = codec.Resize(img, max(1, w), max(1, h))
	}
	return safeEncode(c, imgs)
}

func safeDecode(c codec.ImageCodec, ids []int) (img image.Image, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in DecodeIds: %v", rec)
		}
	}()
	return c.DecodeIds(ids)
}

func safeEncode(c codec.ImageCodec, imgs []image.Image) (ids [][]int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in EncodeAsIds: %v", rec)
		}
	}()
	return c.EncodeAsIds(imgs)
}
