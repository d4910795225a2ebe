package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/satgen/internal/codec"
	"github.com/samcharles93/satgen/internal/layout"
	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/refine"
)

// stubModel puts all probability mass on predict(tokens, i) for input
// position i and records the attention settings of every call.
type stubModel struct {
	vocab   int
	predict func(row []int, i int) int
	failAt  int // fail on this call number (1-based); 0 never fails

	mu      sync.Mutex
	mode    Mode
	mem     int
	calls   int
	modes   []Mode
	mems    []int
	lengths []int
}

func (s *stubModel) Forward(_ context.Context, tokens [][]int, pos []int, mask *layout.Mask) (*refine.Logits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.modes = append(s.modes, s.mode)
	s.mems = append(s.mems, s.mem)
	s.lengths = append(s.lengths, len(tokens[0]))
	if s.failAt == s.calls {
		return nil, errors.New("device lost")
	}
	if len(pos) != len(tokens[0]) || mask.Size() != len(tokens[0]) {
		return nil, fmt.Errorf("inconsistent input: %d tokens, %d positions, mask %d", len(tokens[0]), len(pos), mask.Size())
	}
	out := refine.NewLogits(len(tokens), len(tokens[0]), s.vocab)
	for b, row := range tokens {
		for i := range row {
			out.Row(b, i)[s.predict(row, i)] = 100
		}
	}
	return out, nil
}

func (s *stubModel) AttentionMode() Mode { return s.mode }
func (s *stubModel) SetAttentionMode(m Mode) { s.mode = m }
func (s *stubModel) MemoryLength() int { return s.mem }
func (s *stubModel) SetMemoryLength(n int) { s.mem = n }

func constant(id int) func([]int, int) int {
	return func([]int, int) int { return id }
}

func TestFillSequenceLeftToRight(t *testing.T) {
	t.Parallel()
	m := &stubModel{vocab: 10, predict: func(_ []int, i int) int { return (i + 1) % 10 }}
	cfg := DefaultSequenceConfig()
	cfg.BatchSize = 3
	cfg.Logger = logger.Discard()

	rows, err := FillSequence(context.Background(), m, []int{4, -1, 7, -1, -1}, cfg)
	if err != nil {
		t.Fatalf("FillSequence: %v", err)
	}
	want := [][]int{{4, 1, 7, 3, 4}, {4, 1, 7, 3, 4}, {4, 1, 7, 3, 4}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 3, 4}, m.lengths); diff != "" {
		t.Fatalf("prefix lengths mismatch (-want +got):\n%s", diff)
	}
}

func TestFillSequenceErrors(t *testing.T) {
	t.Parallel()
	cfg := DefaultSequenceConfig()
	cfg.Logger = logger.Discard()
	m := &stubModel{vocab: 4, predict: constant(1)}
	if _, err := FillSequence(context.Background(), m, nil, cfg); !errors.Is(err, ErrSequence) {
		t.Fatalf("empty: expected ErrSequence, got %v", err)
	}
	if _, err := FillSequence(context.Background(), m, []int{-1, 2}, cfg); !errors.Is(err, ErrSequence) {
		t.Fatalf("unknown first: expected ErrSequence, got %v", err)
	}
	failing := &stubModel{vocab: 4, predict: constant(1), failAt: 1}
	if _, err := FillSequence(context.Background(), failing, []int{1, -1}, cfg); !errors.Is(err, refine.ErrForward) {
		t.Fatalf("forward failure: expected ErrForward, got %v", err)
	}
}

func TestWithAttentionModeRestores(t *testing.T) {
	t.Parallel()
	m := &stubModel{mode: ModeSparse2D}
	boom := errors.New("boom")
	err := WithAttentionMode(m, ModeStandard, func() error {
		if m.mode != ModeStandard {
			t.Fatalf("mode inside scope: got %v", m.mode)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected scoped error, got %v", err)
	}
	if m.mode != ModeSparse2D {
		t.Fatalf("mode after error: got %v want %v", m.mode, ModeSparse2D)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = WithAttentionMode(m, ModeStandard, func() error { panic("forward crashed") })
	}()
	if m.mode != ModeSparse2D {
		t.Fatalf("mode after panic: got %v want %v", m.mode, ModeSparse2D)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for _, mode := range []Mode{ModeStandard, ModeSparse2D} {
		got, err := ParseMode(mode.String())
		if err != nil || got != mode {
			t.Fatalf("ParseMode(%q): got %v, %v", mode.String(), got, err)
		}
	}
	if _, err := ParseMode("dense"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

// testPipeline is a 4x4 grid refined after a 2x2 coarse grid:
// seq0 = [1 2 -1 -1 -1 -1], seq1 = [9, 16 × -1].
func testPipeline(t *testing.T) (codec.ImageCodec, []int, Config) {
	t.Helper()
	pal, err := codec.DefaultPalette(8, 4, 2)
	if err != nil {
		t.Fatalf("DefaultPalette: %v", err)
	}
	seq := []int{1, 2, -1, -1, -1, -1, 9}
	for range 16 {
		seq = append(seq, -1)
	}
	cfg := DefaultConfig(layout.Layout{PrefixEnd: 4, Segment1End: 8, Segment2End: 24})
	cfg.LowResSide = 2
	cfg.PadID = 11
	cfg.Stage1.BatchSize = 2
	cfg.Refine.StepBudget = 3
	cfg.Refine.Logger = logger.Discard()
	cfg.Logger = logger.Discard()
	return pal, seq, cfg
}

func TestFill2DEndToEnd(t *testing.T) {
	t.Parallel()
	pal, seq, cfg := testPipeline(t)
	m := &stubModel{vocab: 12, predict: constant(3), mode: ModeSparse2D, mem: 512}

	res, err := Fill2D(context.Background(), m, pal, seq, cfg)
	if err != nil {
		t.Fatalf("Fill2D: %v", err)
	}
	row := []int{11, 11, 1, 2, 3, 3, 3, 3, 9}
	for range 16 {
		row = append(row, 3)
	}
	if diff := cmp.Diff([][]int{row, row}, res.Sequence); diff != "" {
		t.Fatalf("sequence mismatch (-want +got):\n%s", diff)
	}
	if res.Steps != 3 || !res.Exhausted {
		t.Fatalf("expected forced finish after 3 passes, got steps=%d exhausted=%v", res.Steps, res.Exhausted)
	}

	// Four stage-one calls under standard attention with memory intact,
	// then refinement passes in sparse mode with memory disabled.
	wantModes := []Mode{ModeStandard, ModeStandard, ModeStandard, ModeStandard, ModeSparse2D, ModeSparse2D, ModeSparse2D}
	if diff := cmp.Diff(wantModes, m.modes); diff != "" {
		t.Fatalf("modes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{512, 512, 512, 512, 0, 0, 0}, m.mems); diff != "" {
		t.Fatalf("memory lengths mismatch (-want +got):\n%s", diff)
	}
	if m.mode != ModeSparse2D || m.mem != 512 {
		t.Fatalf("settings not restored: mode=%v mem=%d", m.mode, m.mem)
	}
}

func TestFill2DRestoresSettingsOnFailure(t *testing.T) {
	t.Parallel()
	pal, seq, cfg := testPipeline(t)
	m := &stubModel{vocab: 12, predict: constant(3), mode: ModeSparse2D, mem: 64, failAt: 6}
	if _, err := Fill2D(context.Background(), m, pal, seq, cfg); !errors.Is(err, refine.ErrForward) {
		t.Fatalf("expected ErrForward, got %v", err)
	}
	if m.mode != ModeSparse2D || m.mem != 64 {
		t.Fatalf("settings not restored: mode=%v mem=%d", m.mode, m.mem)
	}
}

func TestFill2DRejectsLongPrefix(t *testing.T) {
	t.Parallel()
	pal, seq, cfg := testPipeline(t)
	cfg.Layout = layout.Layout{PrefixEnd: 4, Segment1End: 6, Segment2End: 22}
	m := &stubModel{vocab: 12, predict: constant(3)}
	if _, err := Fill2D(context.Background(), m, pal, seq, cfg); !errors.Is(err, layout.ErrConfig) {
		t.Fatalf("expected layout.ErrConfig, got %v", err)
	}
	if m.calls != 0 {
		t.Fatalf("model ran %d times before the pad check", m.calls)
	}
}

func TestFill2DRejectsBadRefineConfig(t *testing.T) {
	t.Parallel()
	pal, seq, cfg := testPipeline(t)
	cfg.Refine.TopK = 0
	m := &stubModel{vocab: 12, predict: constant(3)}
	if _, err := Fill2D(context.Background(), m, pal, seq, cfg); !errors.Is(err, refine.ErrConfig) {
		t.Fatalf("expected refine.ErrConfig, got %v", err)
	}
	if m.calls != 0 {
		t.Fatalf("model ran %d times with an invalid config", m.calls)
	}
}

func TestFillShards(t *testing.T) {
	t.Parallel()
	var loads atomic.Int32
	newModel := func(shard int) (refine.Model, error) {
		loads.Add(1)
		return &stubModel{vocab: 8, predict: constant(shard + 1)}, nil
	}
	fill := func(ctx context.Context, shard int, m refine.Model) (*refine.Result, error) {
		cfg := refine.DefaultConfig()
		cfg.StepBudget = 2
		cfg.Logger = logger.Discard()
		return refine.Fill(ctx, m, refine.Input{
			Sequence:    [][]int{{0, -1, -1}},
			PositionIDs: []int{0, 1},
			Mask:        layout.NewCausal(2),
		}, cfg)
	}
	results, err := FillShards(context.Background(), 4, 2, newModel, fill)
	if err != nil {
		t.Fatalf("FillShards: %v", err)
	}
	if loads.Load() != 4 {
		t.Fatalf("expected one model per shard, got %d loads", loads.Load())
	}
	for i, res := range results {
		want := [][]int{{0, i + 1, i + 1}}
		if diff := cmp.Diff(want, res.Sequence); diff != "" {
			t.Fatalf("shard %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestFillShardsPropagatesFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("no device")
	newModel := func(shard int) (refine.Model, error) {
		if shard == 2 {
			return nil, boom
		}
		return &stubModel{vocab: 4, predict: constant(1)}, nil
	}
	fill := func(ctx context.Context, _ int, m refine.Model) (*refine.Result, error) {
		return &refine.Result{}, nil
	}
	if _, err := FillShards(context.Background(), 3, 0, newModel, fill); !errors.Is(err, boom) {
		t.Fatalf("expected shard error, got %v", err)
	}
}
