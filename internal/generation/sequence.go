package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/satgen/internal/layout"
	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/logits"
	"github.com/samcharles93/satgen/internal/refine"
)

// ErrSequence reports an input sequence the pipeline cannot fill.
var ErrSequence = errors.New("generation: invalid sequence")

// SequenceConfig controls autoregressive filling.
type SequenceConfig struct {
	// BatchSize is how many independent rows are generated from one seed
	// sequence.
	BatchSize   int
	Temperature float32
	TopK        int
	TopP        float32
	Seed        int64
	// InvalidRanges are never sampled.
	InvalidRanges []logits.Range
	Logger        logger.Logger
}

// DefaultSequenceConfig returns a single-row, temperature 1, top-k 200
// configuration.
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		BatchSize:   1,
		Temperature: 1,
		TopK:        200,
		TopP:        1,
	}
}

// FillSequence replicates seq BatchSize times and fills every unknown
// (negative) position left to right. Each unknown position p is sampled from
// a causal forward pass over positions [0, p) of its own row, so later
// positions see earlier samples.
func FillSequence(ctx context.Context, m refine.Model, seq []int, cfg SequenceConfig) ([][]int, error) {
	if len(seq) == 0 {
		return nil, fmt.Errorf("%w: empty sequence", ErrSequence)
	}
	if seq[0] < 0 {
		return nil, fmt.Errorf("%w: the first position must be known", ErrSequence)
	}
	batch := max(1, cfg.BatchSize)
	log := cfg.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:        cfg.Seed,
		Temperature: cfg.Temperature,
		TopK:        cfg.TopK,
		TopP:        cfg.TopP,
		Invalid:     cfg.InvalidRanges,
	})

	rows := make([][]int, batch)
	for b := range rows {
		rows[b] = append([]int(nil), seq...)
	}

	filled := 0
	for p := 1; p < len(seq); p++ {
		if seq[p] >= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prefix := make([][]int, batch)
		for b, row := range rows {
			prefix[b] = row[:p]
		}
		pos := make([]int, p)
		for i := range pos {
			pos[i] = i
		}
		out, err := forward(ctx, m, prefix, pos, layout.NewCausal(p))
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", p, err)
		}
		if out.Batch != batch || out.Len != p || out.Vocab <= 0 || len(out.Data) != batch*p*out.Vocab {
			return nil, fmt.Errorf("position %d: %w: logits shape [%d %d %d]", p, refine.ErrForward, out.Batch, out.Len, out.Vocab)
		}
		for b, row := range rows {
			row[p] = sampler.Sample(out.Row(b, p-1))
		}
		filled++
	}
	log.Debug("sequence filled", "rows", batch, "positions", filled)
	return rows, nil
}

func forward(ctx context.Context, m refine.Model, tokens [][]int, pos []int, mask *layout.Mask) (out *refine.Logits, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in Forward: %v", refine.ErrForward, rec)
		}
	}()
	out, err = m.Forward(ctx, tokens, pos, mask)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", refine.ErrForward, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: model returned no logits", refine.ErrForward)
	}
	return out, nil
}
