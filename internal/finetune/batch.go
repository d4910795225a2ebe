// Package finetune runs classification forward steps over packed
// passage/question samples.
package finetune

import (
	"errors"
	"fmt"

	"github.com/samcharles93/satgen/internal/layout"
)

// ErrBatch reports samples that cannot form a batch.
var ErrBatch = errors.New("finetune: invalid batch")

// Padding marks unused sample slots. Padded columns are masked out.
const Padding = -1

// Commands are the tokenizer command ids used when packing samples.
type Commands struct {
	ENC int
	EOS int
}

// PackSample builds [ENC] question [eos] passage [eos], truncating the
// passage so the sample fits in sampleLen or right-padding with Padding.
// The question part is never truncated.
func PackSample(passage, question []int, cmd Commands, sampleLen int) []int {
	q := make([]int, 0, len(question)+2)
	q = append(q, cmd.ENC)
	q = append(q, question...)
	q = append(q, cmd.EOS)

	p := make([]int, 0, len(passage)+1)
	p = append(p, passage...)
	p = append(p, cmd.EOS)

	if len(q)+len(p) >= sampleLen {
		keep := max(0, sampleLen-len(q))
		return append(q, p[:min(keep, len(p))]...)
	}
	out := append(q, p...)
	for len(out) < sampleLen {
		out = append(out, Padding)
	}
	return out
}

// Batch is the model input for a set of packed samples.
type Batch struct {
	// Tokens keep Padding in unused slots.
	Tokens [][]int
	// PositionIDs holds the two position rows: a ramp over the sample and
	// all-zero block positions.
	PositionIDs [2][]int
	// Masks are per row: every position attends to every non-padded
	// column.
	Masks    []*layout.Mask
	LossMask [][]bool
}

// Len is the sample length.
func (b *Batch) Len() int { return len(b.PositionIDs[0]) }

// BuildBatch derives position ids and masks for equal-length samples.
func BuildBatch(rows [][]int) (*Batch, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrBatch)
	}
	n := len(rows[0])
	if n == 0 {
		return nil, fmt.Errorf("%w: empty sample", ErrBatch)
	}
	b := &Batch{
		Tokens:   make([][]int, len(rows)),
		Masks:    make([]*layout.Mask, len(rows)),
		LossMask: make([][]bool, len(rows)),
	}
	b.PositionIDs[0] = make([]int, n)
	b.PositionIDs[1] = make([]int, n)
	for i := range n {
		b.PositionIDs[0][i] = i
	}
	for r, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: sample %d has length %d, want %d", ErrBatch, r, len(row), n)
		}
		b.Tokens[r] = append([]int(nil), row...)
		m := layout.NewMask(n)
		loss := make([]bool, n)
		for j, tok := range row {
			loss[j] = tok != Padding
			if !loss[j] {
				continue
			}
			for i := range n {
				m.Set(i, j, true)
			}
		}
		b.Masks[r] = m
		b.LossMask[r] = loss
	}
	return b, nil
}
