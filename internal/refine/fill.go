package refine

import (
	"context"
	"fmt"

	"github.com/samcharles93/satgen/internal/layout"
	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/logits"
)

// Input is one batch to fill. Sequence rows have L+1 entries, negative
// values marking unknown positions; PositionIDs and Mask describe the L
// model input positions.
type Input struct {
	Sequence    [][]int
	PositionIDs []int
	Mask        *layout.Mask

	// Init optionally seeds unknown positions for the first pass. Row b is
	// aligned to the end of Sequence[b]: Init[b][k] is the estimate for
	// position len(Sequence[b])-len(Init[b])+k. It is used once and never
	// resampled.
	Init [][]int
}

// Result is the fully fixed batch.
type Result struct {
	Sequence [][]int
	Steps    int
	// Forced counts, per row, the positions force-filled when the budget ran
	// out. All zeros when the loop finished on its own.
	Forced    []int
	Exhausted bool
}

// Fill runs iterative refinement until every position of every row is fixed
// or the step budget is spent. Each pass runs the model over the working
// tokens, draws one top-k candidate per position at the annealed
// temperature, and locks in the positions chosen by the policy plus the
// final position. Budget exhaustion is not an error: remaining positions take
// their latest candidate and the count is reported in Result.Forced.
//
// The input is not modified. ctx is checked between passes only.
func Fill(ctx context.Context, m Model, in Input, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := newState(in, cfg)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	log = log.With("component", "refine")
	policy := cfg.Policy
	if policy == nil {
		policy = ForcedPolicy{}
	}
	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:    cfg.Seed,
		Invalid: cfg.InvalidRanges,
	})
	recording := cfg.Debug && cfg.Recorder != nil
	if recording {
		defer func() {
			if err := cfg.Recorder.Flush(); err != nil {
				log.Warn("flush debug snapshots", "error", err)
			}
		}()
	}

	res := &Result{Forced: make([]int, st.batch)}
	for st.unfixedCount() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug("refine pass", "step", st.step+1, "unfixed", st.unfixedCount())

		out, err := safeForward(ctx, m, st.work.tokens, in.PositionIDs, in.Mask)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", st.step+1, err)
		}
		if err := out.checkShape(st.batch, st.length); err != nil {
			return nil, fmt.Errorf("step %d: %w", st.step+1, err)
		}
		st.step++
		temp := Temperature(st.step, cfg.StepBudget)

		st.draw(out, sampler, cfg.TopK, float32(temp))
		newly := st.selectFixed(policy)
		st.work.rebuild(st)

		if st.step == cfg.StepBudget && st.unfixedCount() > 0 {
			forced := st.forceRemaining()
			copy(res.Forced, forced)
			res.Exhausted = true
			log.Warn("step budget exhausted", "step", st.step, "forced", forced)
		}
		if cfg.OnStep != nil {
			cfg.OnStep(StepInfo{
				Step:        st.step,
				Temperature: temp,
				Unfixed:     st.unfixedCount(),
				NewlyFixed:  newly,
			})
		}
		if recording {
			if err := cfg.Recorder.Record(st.step, st.snapshot()); err != nil {
				log.Warn("record debug snapshot", "step", st.step, "error", err)
			}
		}
		if res.Exhausted {
			break
		}
	}

	res.Sequence = st.seq
	res.Steps = st.step
	return res, nil
}

// state is the authoritative per-call sequence plus the sampler-owned
// working buffer. Nothing in it is shared with the caller.
type state struct {
	batch  int
	length int // model input length L; rows of seq hold L+1
	step   int

	seq     [][]int
	unfixed [][]bool
	// samples[b][j] is the latest candidate for sequence position j+1.
	samples [][]int
	maxProb [][]float64
	fix     [][]bool
	work    *workBuffer
}

func newState(in Input, cfg Config) (*state, error) {
	if len(in.Sequence) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrConfig)
	}
	rowLen := len(in.Sequence[0])
	if rowLen < 2 {
		return nil, fmt.Errorf("%w: sequence rows need at least 2 positions, got %d", ErrConfig, rowLen)
	}
	length := rowLen - 1
	if len(in.PositionIDs) != length {
		return nil, fmt.Errorf("%w: %d position ids for %d input positions", ErrConfig, len(in.PositionIDs), length)
	}
	if in.Mask == nil || in.Mask.Size() != length {
		return nil, fmt.Errorf("%w: attention mask must be %dx%d", ErrConfig, length, length)
	}
	if in.Init != nil && len(in.Init) != len(in.Sequence) {
		return nil, fmt.Errorf("%w: init has %d rows for batch of %d", ErrConfig, len(in.Init), len(in.Sequence))
	}

	st := &state{
		batch:   len(in.Sequence),
		length:  length,
		seq:     make([][]int, len(in.Sequence)),
		unfixed: make([][]bool, len(in.Sequence)),
		samples: make([][]int, len(in.Sequence)),
		maxProb: make([][]float64, len(in.Sequence)),
		fix:     make([][]bool, len(in.Sequence)),
	}
	for b, row := range in.Sequence {
		if len(row) != rowLen {
			return nil, fmt.Errorf("%w: row %d has length %d, want %d", ErrConfig, b, len(row), rowLen)
		}
		if row[0] < 0 {
			return nil, fmt.Errorf("%w: row %d: the first position has no prediction and must be known", ErrConfig, b)
		}
		if in.Init != nil && len(in.Init[b]) > rowLen {
			return nil, fmt.Errorf("%w: init row %d longer than sequence", ErrConfig, b)
		}
		st.seq[b] = append([]int(nil), row...)
		st.unfixed[b] = make([]bool, rowLen)
		for p, id := range row {
			st.unfixed[b][p] = id < 0
		}
		st.samples[b] = make([]int, length)
		st.maxProb[b] = make([]float64, length)
		st.fix[b] = make([]bool, rowLen)
	}
	st.work = newWorkBuffer(st, in.Init, cfg.Placeholder)
	return st, nil
}

func (st *state) unfixedCount() int {
	n := 0
	for _, row := range st.unfixed {
		for _, u := range row {
			if u {
				n++
			}
		}
	}
	return n
}

func (st *state) draw(out *Logits, s *logits.Sampler, k int, temp float32) {
	for b := range st.batch {
		for j := range st.length {
			// Row views alias the model's buffer; masking in place is fine
			// because the block is never reused.
			d := s.SampleTopK(out.Row(b, j), k, temp)
			st.samples[b][j] = d.ID
			st.maxProb[b][j] = d.MaxProb
		}
	}
}

// selectFixed applies the policy, forces the final position and writes the
// sampled values into the positions that just became fixed. It returns how
// many positions changed state.
func (st *state) selectFixed(policy FixPolicy) int {
	for b := range st.fix {
		clear(st.fix[b])
	}
	policy.Select(&PassState{
		Step:    st.step,
		Unfixed: st.unfixed,
		MaxProb: st.maxProb,
	}, st.fix)

	n := 0
	for b := range st.batch {
		st.fix[b][st.length] = true
		for p := 1; p <= st.length; p++ {
			if !st.fix[b][p] || !st.unfixed[b][p] {
				continue
			}
			st.seq[b][p] = st.samples[b][p-1]
			st.unfixed[b][p] = false
			n++
		}
	}
	return n
}

func (st *state) forceRemaining() []int {
	forced := make([]int, st.batch)
	for b := range st.batch {
		for p := 1; p <= st.length; p++ {
			if st.unfixed[b][p] {
				st.seq[b][p] = st.samples[b][p-1]
				st.unfixed[b][p] = false
				forced[b]++
			}
		}
	}
	return forced
}

// snapshot is the best-effort sequence: fixed values where known, latest
// candidates elsewhere.
func (st *state) snapshot() [][]int {
	out := make([][]int, st.batch)
	for b, row := range st.seq {
		out[b] = append([]int(nil), row...)
		for p := 1; p <= st.length; p++ {
			if st.unfixed[b][p] {
				out[b][p] = st.samples[b][p-1]
			}
		}
	}
	return out
}

// workBuffer holds the tokens handed to the model. It is rebuilt from the
// authoritative state after every pass and never written by anything else.
type workBuffer struct {
	tokens [][]int
}

func newWorkBuffer(st *state, init [][]int, placeholder int) *workBuffer {
	w := &workBuffer{tokens: make([][]int, st.batch)}
	for b, row := range st.seq {
		t := make([]int, st.length)
		var est []int
		var offset int
		if init != nil {
			est = init[b]
			offset = len(row) - len(est)
		}
		for p := range st.length {
			switch {
			case !st.unfixed[b][p]:
				t[p] = row[p]
			case est != nil && p >= offset:
				t[p] = est[p-offset]
			default:
				t[p] = placeholder
			}
		}
		w.tokens[b] = t
	}
	return w
}

func (w *workBuffer) rebuild(st *state) {
	for b, row := range st.seq {
		t := w.tokens[b]
		for p := range st.length {
			if st.unfixed[b][p] {
				t[p] = st.samples[b][p-1]
			} else {
				t[p] = row[p]
			}
		}
	}
}
