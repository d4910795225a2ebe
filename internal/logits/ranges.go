package logits

import "math"

// Range is a half-open interval [Start, End) of vocabulary ids. End <= 0
// means "to the end of the vocabulary".
type Range struct {
	Start int
	End   int
}

// From returns the open-ended range [start, vocab).
func From(start int) Range {
	return Range{Start: start}
}

// Contains reports whether id falls inside r.
func (r Range) Contains(id int) bool {
	return id >= r.Start && (r.End <= 0 || id < r.End)
}

// MaskRanges forces every logit inside ranges to -Inf so it can never be
// drawn.
func MaskRanges(logits []float32, ranges []Range) {
	negInf := float32(math.Inf(-1))
	for _, r := range ranges {
		start := max(r.Start, 0)
		end := len(logits)
		if r.End > 0 {
			end = min(r.End, len(logits))
		}
		for i := start; i < end; i++ {
			logits[i] = negInf
		}
	}
}
