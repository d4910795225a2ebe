package refine

import (
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/satgen/internal/codec"
	"github.com/samcharles93/satgen/internal/layout"
	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/logits"
)

// uniformModel returns flat logits, so every top-k draw has confidence 1/k.
func uniformModel(vocab int) Model {
	return ModelFunc(func(_ context.Context, tokens [][]int, _ []int, _ *layout.Mask) (*Logits, error) {
		return NewLogits(len(tokens), len(tokens[0]), vocab), nil
	})
}

// peakedModel always predicts id with overwhelming margin.
func peakedModel(vocab, id int) Model {
	return ModelFunc(func(_ context.Context, tokens [][]int, _ []int, _ *layout.Mask) (*Logits, error) {
		out := NewLogits(len(tokens), len(tokens[0]), vocab)
		for b := range out.Batch {
			for i := range out.Len {
				out.Row(b, i)[id] = 100
			}
		}
		return out, nil
	})
}

// recordingModel keeps a copy of the tokens seen by every call.
type recordingModel struct {
	Model
	mu    sync.Mutex
	calls [][][]int
}

func (r *recordingModel) Forward(ctx context.Context, tokens [][]int, pos []int, mask *layout.Mask) (*Logits, error) {
	cp := make([][]int, len(tokens))
	for i, row := range tokens {
		cp[i] = append([]int(nil), row...)
	}
	r.mu.Lock()
	r.calls = append(r.calls, cp)
	r.mu.Unlock()
	return r.Model.Forward(ctx, tokens, pos, mask)
}

func unknownRows(batch, rowLen int) [][]int {
	rows := make([][]int, batch)
	for b := range rows {
		rows[b] = make([]int, rowLen)
		rows[b][0] = 1
		for p := 1; p < rowLen; p++ {
			rows[b][p] = -1
		}
	}
	return rows
}

func testInput(seq [][]int) Input {
	l := len(seq[0]) - 1
	pos := make([]int, l)
	for i := range pos {
		pos[i] = i
	}
	return Input{Sequence: seq, PositionIDs: pos, Mask: layout.NewCausal(l)}
}

func testConfig(budget int) Config {
	cfg := DefaultConfig()
	cfg.StepBudget = budget
	cfg.Seed = 7
	cfg.Logger = logger.Discard()
	return cfg
}

func TestFillForcedPolicyRunsWholeBudget(t *testing.T) {
	t.Parallel()
	var unfixed []int
	cfg := testConfig(4)
	cfg.OnStep = func(s StepInfo) { unfixed = append(unfixed, s.Unfixed) }

	res, err := Fill(context.Background(), uniformModel(8), testInput(unknownRows(2, 7)), cfg)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if res.Steps != 4 || !res.Exhausted {
		t.Fatalf("expected exhaustion after 4 steps, got steps=%d exhausted=%v", res.Steps, res.Exhausted)
	}
	if diff := cmp.Diff([]int{5, 5}, res.Forced); diff != "" {
		t.Fatalf("forced counts mismatch (-want +got):\n%s", diff)
	}
	// Only the final position locks in before the budget runs out.
	if diff := cmp.Diff([]int{10, 10, 10, 0}, unfixed); diff != "" {
		t.Fatalf("unfixed trajectory mismatch (-want +got):\n%s", diff)
	}
	for b, row := range res.Sequence {
		for p, id := range row {
			if id < 0 || id >= 8 {
				t.Fatalf("row %d position %d: unresolved or invalid id %d", b, p, id)
			}
		}
	}
}

func TestFillConfidencePolicyCascades(t *testing.T) {
	t.Parallel()
	var trajectory []int
	cfg := testConfig(20)
	cfg.Policy = DefaultConfidencePolicy()
	cfg.OnStep = func(s StepInfo) { trajectory = append(trajectory, s.Unfixed) }

	// Uniform logits over 8 ids with k=5 give every draw confidence 0.2, so
	// after warmup the fixed frontier advances one position per pass.
	res, err := Fill(context.Background(), uniformModel(8), testInput(unknownRows(1, 7)), cfg)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	want := []int{5, 5, 5, 5, 5, 4, 3, 2, 1, 0}
	if diff := cmp.Diff(want, trajectory); diff != "" {
		t.Fatalf("unfixed trajectory mismatch (-want +got):\n%s", diff)
	}
	if res.Exhausted || res.Steps != 10 {
		t.Fatalf("expected natural finish at step 10, got steps=%d exhausted=%v", res.Steps, res.Exhausted)
	}
	if diff := cmp.Diff([]int{0}, res.Forced); diff != "" {
		t.Fatalf("forced counts mismatch (-want +got):\n%s", diff)
	}
}

func TestFillUnfixedCountNeverIncreases(t *testing.T) {
	t.Parallel()
	prev := -1
	cfg := testConfig(12)
	cfg.Policy = DefaultConfidencePolicy()
	cfg.OnStep = func(s StepInfo) {
		if prev >= 0 && s.Unfixed > prev {
			t.Errorf("step %d: unfixed grew from %d to %d", s.Step, prev, s.Unfixed)
		}
		prev = s.Unfixed
	}
	if _, err := Fill(context.Background(), uniformModel(6), testInput(unknownRows(3, 20)), cfg); err != nil {
		t.Fatalf("Fill: %v", err)
	}
}

func TestFillNeverDrawsInvalidIds(t *testing.T) {
	t.Parallel()
	m := &recordingModel{Model: uniformModel(16)}
	cfg := testConfig(5)
	cfg.InvalidRanges = []logits.Range{logits.From(10)}

	// 4 rows × 50 positions × 5 passes = 1000 draws.
	res, err := Fill(context.Background(), m, testInput(unknownRows(4, 51)), cfg)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	for step, tokens := range m.calls {
		for b, row := range tokens {
			for p, id := range row {
				if id >= 10 {
					t.Fatalf("call %d row %d position %d: invalid id %d fed to model", step, b, p, id)
				}
			}
		}
	}
	for b, row := range res.Sequence {
		for p, id := range row {
			if id < 0 || id >= 10 {
				t.Fatalf("row %d position %d: invalid id %d in result", b, p, id)
			}
		}
	}
}

func TestFillInitSeedsFirstPassOnly(t *testing.T) {
	t.Parallel()
	m := &recordingModel{Model: peakedModel(10, 5)}
	in := testInput([][]int{{1, -1, -1, -1, -1}})
	in.Init = [][]int{{9, 8, 7}}
	cfg := testConfig(2)
	cfg.Placeholder = 2

	res, err := Fill(context.Background(), m, in, cfg)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if len(m.calls) != 2 {
		t.Fatalf("expected 2 forward calls, got %d", len(m.calls))
	}
	if diff := cmp.Diff([][]int{{1, 2, 9, 8}}, m.calls[0]); diff != "" {
		t.Fatalf("first pass tokens mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{1, 5, 5, 5}}, m.calls[1]); diff != "" {
		t.Fatalf("second pass tokens mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{1, 5, 5, 5, 5}}, res.Sequence); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestFillKeepsKnownPositionsAndInput(t *testing.T) {
	t.Parallel()
	seq := [][]int{{1, -1, 4, -1, -1}, {2, 3, -1, -1, 6}}
	orig := [][]int{{1, -1, 4, -1, -1}, {2, 3, -1, -1, 6}}
	res, err := Fill(context.Background(), peakedModel(10, 5), testInput(seq), testConfig(3))
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if diff := cmp.Diff(orig, seq); diff != "" {
		t.Fatalf("input mutated (-want +got):\n%s", diff)
	}
	want := [][]int{{1, 5, 4, 5, 5}, {2, 3, 5, 5, 6}}
	if diff := cmp.Diff(want, res.Sequence); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestFillIsDeterministicForSeed(t *testing.T) {
	t.Parallel()
	run := func() [][]int {
		res, err := Fill(context.Background(), uniformModel(12), testInput(unknownRows(2, 16)), testConfig(6))
		if err != nil {
			t.Fatalf("Fill: %v", err)
		}
		return res.Sequence
	}
	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Fatalf("same seed produced different results (-first +second):\n%s", diff)
	}
}

func TestFillConfigErrors(t *testing.T) {
	t.Parallel()
	called := false
	m := ModelFunc(func(_ context.Context, tokens [][]int, _ []int, _ *layout.Mask) (*Logits, error) {
		called = true
		return NewLogits(len(tokens), len(tokens[0]), 4), nil
	})
	good := testInput(unknownRows(1, 5))

	tests := []struct {
		name string
		in   Input
		cfg  func(*Config)
	}{
		{name: "zero top_k", in: good, cfg: func(c *Config) { c.TopK = 0 }},
		{name: "negative top_k", in: good, cfg: func(c *Config) { c.TopK = -3 }},
		{name: "zero budget", in: good, cfg: func(c *Config) { c.StepBudget = 0 }},
		{name: "empty batch", in: Input{PositionIDs: good.PositionIDs, Mask: good.Mask}},
		{name: "unknown first position", in: testInput([][]int{{-1, -1, 3}})},
		{name: "ragged rows", in: Input{Sequence: [][]int{{1, -1, -1}, {1, -1}}, PositionIDs: []int{0, 1}, Mask: layout.NewCausal(2)}},
		{name: "position ids length", in: Input{Sequence: good.Sequence, PositionIDs: []int{0}, Mask: good.Mask}},
		{name: "mask size", in: Input{Sequence: good.Sequence, PositionIDs: good.PositionIDs, Mask: layout.NewCausal(2)}},
		{name: "init rows", in: Input{Sequence: good.Sequence, PositionIDs: good.PositionIDs, Mask: good.Mask, Init: [][]int{{1}, {2}}}},
	}
	for _, tt := range tests {
		cfg := testConfig(3)
		if tt.cfg != nil {
			tt.cfg(&cfg)
		}
		if _, err := Fill(context.Background(), m, tt.in, cfg); !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", tt.name, err)
		}
	}
	if called {
		t.Fatalf("model must not run when configuration is invalid")
	}
}

func TestFillForwardErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("device lost")
	tests := []struct {
		name string
		m    Model
	}{
		{name: "error", m: ModelFunc(func(context.Context, [][]int, []int, *layout.Mask) (*Logits, error) {
			return nil, boom
		})},
		{name: "panic", m: ModelFunc(func(context.Context, [][]int, []int, *layout.Mask) (*Logits, error) {
			panic("out of memory")
		})},
		{name: "shape", m: ModelFunc(func(_ context.Context, tokens [][]int, _ []int, _ *layout.Mask) (*Logits, error) {
			return NewLogits(len(tokens), len(tokens[0])+1, 4), nil
		})},
		{name: "nil logits", m: ModelFunc(func(context.Context, [][]int, []int, *layout.Mask) (*Logits, error) {
			return nil, nil
		})},
	}
	for _, tt := range tests {
		res, err := Fill(context.Background(), tt.m, testInput(unknownRows(1, 5)), testConfig(3))
		if !errors.Is(err, ErrForward) {
			t.Fatalf("%s: expected ErrForward, got %v", tt.name, err)
		}
		if res != nil {
			t.Fatalf("%s: expected no result on failure", tt.name)
		}
	}
	_, err := Fill(context.Background(), ModelFunc(func(context.Context, [][]int, []int, *layout.Mask) (*Logits, error) {
		return nil, boom
	}), testInput(unknownRows(1, 5)), testConfig(3))
	if !errors.Is(err, boom) {
		t.Fatalf("expected model error to stay in the chain, got %v", err)
	}
}

func TestFillStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(10)
	cfg.OnStep = func(StepInfo) { cancel() }
	if _, err := Fill(ctx, uniformModel(4), testInput(unknownRows(1, 5)), cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFillAlreadyKnownSequenceSkipsModel(t *testing.T) {
	t.Parallel()
	m := &recordingModel{Model: uniformModel(4)}
	res, err := Fill(context.Background(), m, testInput([][]int{{1, 2, 3}}), testConfig(3))
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if len(m.calls) != 0 || res.Steps != 0 {
		t.Fatalf("expected no passes, got %d calls and %d steps", len(m.calls), res.Steps)
	}
}

func TestTemperatureSchedule(t *testing.T) {
	t.Parallel()
	const budget = 20
	if got := Temperature(0, budget); got != 2 {
		t.Fatalf("step 0: got %v want 2", got)
	}
	if got := Temperature(budget, budget); got < 0.0999 || got > 0.1001 {
		t.Fatalf("step %d: got %v want 0.1", budget, got)
	}
	prev := Temperature(0, budget)
	for step := 1; step <= budget; step++ {
		cur := Temperature(step, budget)
		if cur >= prev {
			t.Fatalf("step %d: temperature %v not below %v", step, cur, prev)
		}
		prev = cur
	}
	if got := Temperature(budget+5, budget); got < 0.0999 || got > 0.1001 {
		t.Fatalf("past budget: got %v want 0.1", got)
	}
}

type countingRecorder struct {
	records int
	flushes int
	err     error
}

func (c *countingRecorder) Record(int, [][]int) error { c.records++; return c.err }
func (c *countingRecorder) Flush() error              { c.flushes++; return c.err }

func TestFillRecorderErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	rec := &countingRecorder{err: errors.New("disk full")}
	cfg := testConfig(3)
	cfg.Debug = true
	cfg.Recorder = rec
	res, err := Fill(context.Background(), uniformModel(4), testInput(unknownRows(1, 5)), cfg)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if rec.records != res.Steps || rec.flushes != 1 {
		t.Fatalf("expected %d records and 1 flush, got %d and %d", res.Steps, rec.records, rec.flushes)
	}
}

func TestFillRecorderIgnoredWithoutDebug(t *testing.T) {
	t.Parallel()
	rec := &countingRecorder{}
	cfg := testConfig(3)
	cfg.Recorder = rec
	if _, err := Fill(context.Background(), uniformModel(4), testInput(unknownRows(1, 5)), cfg); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if rec.records != 0 || rec.flushes != 0 {
		t.Fatalf("recorder used without debug: %d records, %d flushes", rec.records, rec.flushes)
	}
}

func TestGridRecorderWritesStepImage(t *testing.T) {
	t.Parallel()
	pal, err := codec.DefaultPalette(8, 2, 4)
	if err != nil {
		t.Fatalf("DefaultPalette: %v", err)
	}
	dir := t.TempDir()
	rec := NewGridRecorder(pal, dir, "0", 2)
	cfg := testConfig(3)
	cfg.Debug = true
	cfg.Recorder = rec

	// Row length 6: one known token, then a 2x2 grid plus the final slot.
	if _, err := Fill(context.Background(), uniformModel(8), testInput(unknownRows(2, 6)), cfg); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if rec.Steps() != 0 {
		t.Fatalf("expected snapshots to be flushed, %d pending", rec.Steps())
	}
	if got := rec.Path(); got != filepath.Join(dir, "steps0.jpg") {
		t.Fatalf("path: got %q", got)
	}
	f, err := os.Open(rec.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 3 passes × 2 rows of 8x8 tiles with a 2px gap.
	if b := img.Bounds(); b.Dx() != 2*10+2 || b.Dy() != 3*10+2 {
		t.Fatalf("grid size: got %v", b)
	}
}
