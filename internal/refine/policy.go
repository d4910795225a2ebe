package refine

// PassState is what a FixPolicy sees after the draws of one pass. Indices are
// sequence positions; MaxProb[b][j] is the top-k confidence of the draw for
// sequence position j+1.
type PassState struct {
	Step    int
	Unfixed [][]bool
	MaxProb [][]float64
}

// FixPolicy chooses which unfixed positions lock in this pass by setting
// entries of fix, which arrives cleared. The sampler always adds the final
// position on top of whatever the policy selects.
type FixPolicy interface {
	Select(st *PassState, fix [][]bool)
}

// ForcedPolicy never fixes a position early. Everything stays open until the
// step budget runs out; only the final position locks in on the first pass.
type ForcedPolicy struct{}

func (ForcedPolicy) Select(*PassState, [][]bool) {}

// ConfidencePolicy lets locally confident tokens lock in while ambiguous
// regions stay open. After Warmup passes, position p (p >= 2) is fixed when
// the draw for p has confidence below Low and either the draw for p-1 had
// confidence above High or p-1 is already fixed. Position 1 is fixed
// unconditionally once the warmup is over.
type ConfidencePolicy struct {
	Warmup int
	High   float64
	Low    float64
}

// DefaultConfidencePolicy returns the thresholds 0.8/0.5 after five passes.
func DefaultConfidencePolicy() ConfidencePolicy {
	return ConfidencePolicy{Warmup: 5, High: 0.8, Low: 0.5}
}

func (c ConfidencePolicy) Select(st *PassState, fix [][]bool) {
	if st.Step <= c.Warmup {
		return
	}
	for b, unfixed := range st.Unfixed {
		prob := st.MaxProb[b]
		if len(unfixed) > 1 {
			fix[b][1] = unfixed[1]
		}
		for p := 2; p < len(unfixed); p++ {
			if !unfixed[p] || prob[p-1] >= c.Low {
				continue
			}
			fix[b][p] = prob[p-2] > c.High || !unfixed[p-1]
		}
	}
}
