// Package layout builds the padded two-segment sequence, position-id
// schedule and attention mask consumed by the 2D filling sampler.
//
// A full sequence row looks like
//
//	[pad × nPad][first segment][terminator][grid × G]
//
// where the first segment ends at Segment1End and the grid ends at
// Segment2End. The model input is every position but the last; logits row j
// predicts sequence position j+1.
package layout

import (
	"errors"
	"fmt"
)

// ErrConfig reports a layout that cannot be built. It is fatal: nothing is
// retried and no partial batch is returned.
var ErrConfig = errors.New("layout: invalid configuration")

// Layout holds the three boundary offsets partitioning a sequence.
type Layout struct {
	PrefixEnd   int
	Segment1End int
	Segment2End int
}

// FromSlice converts a [prefix_end, segment1_end, segment2_end] triple.
func FromSlice(v []int) (Layout, error) {
	if len(v) != 3 {
		return Layout{}, fmt.Errorf("%w: layout needs 3 offsets, got %d", ErrConfig, len(v))
	}
	l := Layout{PrefixEnd: v[0], Segment1End: v[1], Segment2End: v[2]}
	return l, l.Validate()
}

// Validate checks that the offsets are positive and ordered.
func (l Layout) Validate() error {
	if l.PrefixEnd <= 0 || l.Segment1End <= 0 || l.Segment2End <= 0 {
		return fmt.Errorf("%w: offsets must be positive: %v", ErrConfig, l.Slice())
	}
	if l.PrefixEnd > l.Segment1End || l.Segment1End >= l.Segment2End {
		return fmt.Errorf("%w: offsets must satisfy prefix <= segment1 < segment2: %v", ErrConfig, l.Slice())
	}
	return nil
}

// Slice returns the offsets as a three element slice.
func (l Layout) Slice() []int {
	return []int{l.PrefixEnd, l.Segment1End, l.Segment2End}
}

// GridLen is the number of tokens in the second segment.
func (l Layout) GridLen() int {
	return l.Segment2End - l.Segment1End
}

// InputLen is the model input length, one short of the full sequence.
func (l Layout) InputLen() int {
	return l.Segment2End
}

// SequenceLen is the full row length including the trailing grid position.
func (l Layout) SequenceLen() int {
	return l.Segment2End + 1
}

// Batch is the output of Build. Sequence rows have SequenceLen entries;
// PositionIDs and Mask cover the InputLen model input positions and are
// shared by every row.
type Batch struct {
	Sequence    [][]int
	PositionIDs []int
	Mask        *Mask
	NumPad      int
}

// Build pads every row of output0 on the left to Segment1End, appends seq1
// and derives the position ids and attention mask for the result. seq1 must
// hold GridLen()+1 entries: the terminator and the grid. Inputs are not
// modified.
func Build(output0 [][]int, seq1 []int, l Layout, padID int) (*Batch, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if len(output0) == 0 {
		return nil, fmt.Errorf("%w: empty first-stage batch", ErrConfig)
	}
	len0 := len(output0[0])
	for b, row := range output0 {
		if len(row) != len0 {
			return nil, fmt.Errorf("%w: row %d has length %d, want %d", ErrConfig, b, len(row), len0)
		}
	}
	nPad := l.Segment1End - len0
	if nPad <= 0 {
		return nil, fmt.Errorf("%w: pad count %d is not positive, truncate long input before filling", ErrConfig, nPad)
	}
	if want := l.GridLen() + 1; len(seq1) != want {
		return nil, fmt.Errorf("%w: second segment has %d tokens, want %d", ErrConfig, len(seq1), want)
	}

	seqLen := l.SequenceLen()
	seq := make([][]int, len(output0))
	for b, row := range output0 {
		r := make([]int, 0, seqLen)
		for range nPad {
			r = append(r, padID)
		}
		r = append(r, row...)
		r = append(r, seq1...)
		seq[b] = r
	}

	return &Batch{
		Sequence:    seq,
		PositionIDs: PositionIDs(l, nPad),
		Mask:        PaddedCausalMask(l.InputLen(), nPad),
		NumPad:      nPad,
	}, nil
}

// PositionIDs returns the three-run schedule over the model input: zeros for
// the pad run, a ramp from zero over the first segment and a second ramp
// from zero over the grid segment.
func PositionIDs(l Layout, nPad int) []int {
	ids := make([]int, 0, l.InputLen())
	for range nPad {
		ids = append(ids, 0)
	}
	for i := range l.Segment1End - nPad {
		ids = append(ids, i)
	}
	for i := range l.GridLen() {
		ids = append(ids, i)
	}
	return ids
}

// PaddedCausalMask is a lower-triangular mask of size n where real positions
// (row >= nPad) do not attend to pad columns.
func PaddedCausalMask(n, nPad int) *Mask {
	m := NewCausal(n)
	for i := nPad; i < n; i++ {
		for j := 0; j < nPad && j <= i; j++ {
			m.Set(i, j, false)
		}
	}
	return m
}
