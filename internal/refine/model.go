package refine

import (
	"context"
	"fmt"

	"github.com/samcharles93/satgen/internal/layout"
)

// Model is the forward contract the sampler drives. tokens is B×L, and the
// returned logits must be B×L×V. Implementations must tolerate repeated
// calls with evolving tokens; the sampler never caches results.
type Model interface {
	Forward(ctx context.Context, tokens [][]int, positionIDs []int, mask *layout.Mask) (*Logits, error)
}

// Logits is a dense row-major B×L×V block of scores.
type Logits struct {
	Batch int
	Len   int
	Vocab int
	Data  []float32
}

// NewLogits allocates a zeroed block.
func NewLogits(batch, length, vocab int) *Logits {
	if batch < 0 || length < 0 || vocab < 0 {
		panic("negative logits dimension")
	}
	return &Logits{
		Batch: batch,
		Len:   length,
		Vocab: vocab,
		Data:  make([]float32, batch*length*vocab),
	}
}

// Row returns a view of the scores for batch row b at position i.
func (l *Logits) Row(b, i int) []float32 {
	if b < 0 || b >= l.Batch || i < 0 || i >= l.Len {
		panic("logits index out of range")
	}
	start := (b*l.Len + i) * l.Vocab
	return l.Data[start : start+l.Vocab]
}

func (l *Logits) checkShape(batch, length int) error {
	if l == nil {
		return fmt.Errorf("%w: model returned no logits", ErrForward)
	}
	if l.Batch != batch || l.Len != length || l.Vocab <= 0 {
		return fmt.Errorf("%w: logits shape [%d %d %d], want [%d %d V>0]", ErrForward, l.Batch, l.Len, l.Vocab, batch, length)
	}
	if len(l.Data) != l.Batch*l.Len*l.Vocab {
		return fmt.Errorf("%w: logits data has %d values for shape [%d %d %d]", ErrForward, len(l.Data), l.Batch, l.Len, l.Vocab)
	}
	return nil
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, tokens [][]int, positionIDs []int, mask *layout.Mask) (*Logits, error)

func (f ModelFunc) Forward(ctx context.Context, tokens [][]int, positionIDs []int, mask *layout.Mask) (*Logits, error) {
	return f(ctx, tokens, positionIDs, mask)
}

func safeForward(ctx context.Context, m Model, tokens [][]int, positionIDs []int, mask *layout.Mask) (l *Logits, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in Forward: %v", ErrForward, rec)
		}
	}()
	l, err = m.Forward(ctx, tokens, positionIDs, mask)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForward, err)
	}
	return l, nil
}
