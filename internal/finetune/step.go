package finetune

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/satgen/internal/refine"
)

// Metrics are the outputs of one forward step.
type Metrics struct {
	Loss     float64
	Accuracy float64
	// Pred is the score at the first position of every sample.
	Pred []float64
}

// ForwardStep scores every sample and computes binary cross-entropy with
// logits against labels (0 or 1) plus the accuracy of pred > 0. Rows run
// one at a time because each has its own mask; padded slots are fed to the
// model as padID.
func ForwardStep(ctx context.Context, m refine.Model, b *Batch, labels []int, padID int) (Metrics, error) {
	if b == nil || len(b.Tokens) == 0 {
		return Metrics{}, fmt.Errorf("%w: empty batch", ErrBatch)
	}
	if len(labels) != len(b.Tokens) {
		return Metrics{}, fmt.Errorf("%w: %d labels for %d samples", ErrBatch, len(labels), len(b.Tokens))
	}
	for i, y := range labels {
		if y != 0 && y != 1 {
			return Metrics{}, fmt.Errorf("%w: label %d of sample %d is not binary", ErrBatch, y, i)
		}
	}

	pred := make([]float64, len(b.Tokens))
	for r, row := range b.Tokens {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}
		in := make([]int, len(row))
		for i, tok := range row {
			if tok == Padding {
				tok = padID
			}
			in[i] = tok
		}
		out, err := forward(ctx, m, in, b.PositionIDs[0], b, r)
		if err != nil {
			return Metrics{}, fmt.Errorf("sample %d: %w", r, err)
		}
		pred[r] = float64(out.Row(0, 0)[0])
	}

	var loss float64
	correct := 0
	for i, x := range pred {
		y := float64(labels[i])
		loss += bceWithLogits(x, y)
		if (x > 0) == (labels[i] == 1) {
			correct++
		}
	}
	n := float64(len(pred))
	return Metrics{Loss: loss / n, Accuracy: float64(correct) / n, Pred: pred}, nil
}

func forward(ctx context.Context, m refine.Model, row, pos []int, b *Batch, r int) (out *refine.Logits, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in Forward: %v", refine.ErrForward, rec)
		}
	}()
	out, err = m.Forward(ctx, [][]int{row}, pos, b.Masks[r])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", refine.ErrForward, err)
	}
	if out == nil || out.Batch != 1 || out.Len != len(row) || out.Vocab < 1 {
		return nil, fmt.Errorf("%w: unexpected score shape", refine.ErrForward)
	}
	return out, nil
}

// bceWithLogits is the numerically stable max(x,0) - x*y + log(1+exp(-|x|)).
func bceWithLogits(x, y float64) float64 {
	return math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
}
