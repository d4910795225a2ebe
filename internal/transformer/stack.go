package transformer

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/satgen/internal/generation"
	"github.com/samcharles93/satgen/internal/layout"
	"github.com/samcharles93/satgen/internal/refine"
	"github.com/samcharles93/satgen/internal/safetensors"
	"github.com/samcharles93/satgen/internal/tensor"
)

// Stack runs a full forward pass over a batch. It implements refine.Model
// and generation.AttentionModeSetter. Calls are serialised; the stack keeps
// no state between calls apart from the attention mode.
type Stack struct {
	Config  Config
	Weights *Weights

	hooks Hooks
	mu    sync.Mutex
	mode  generation.Mode
}

var (
	_ refine.Model                   = (*Stack)(nil)
	_ generation.AttentionModeSetter = (*Stack)(nil)
)

// Option configures a Stack.
type Option func(*Stack)

// WithHooks replaces BaseHooks.
func WithHooks(h Hooks) Option {
	return func(s *Stack) { s.hooks = h }
}

// WithMode sets the initial attention mode.
func WithMode(m generation.Mode) Option {
	return func(s *Stack) { s.mode = m }
}

// New builds a stack over existing weights.
func New(cfg Config, w *Weights, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if w == nil || w.WordEmbeddings == nil || w.PositionEmbeddings == nil {
		return nil, fmt.Errorf("%w: missing embeddings", ErrShape)
	}
	if len(w.Layers) != cfg.Layers {
		return nil, fmt.Errorf("%w: %d layers of weights for %d configured", ErrShape, len(w.Layers), cfg.Layers)
	}
	s := &Stack{Config: cfg, Weights: w, hooks: BaseHooks{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.hooks == nil {
		s.hooks = BaseHooks{}
	}
	return s, nil
}

// NewRandom builds a stack with deterministic random weights.
func NewRandom(cfg Config, seed int64, opts ...Option) (*Stack, error) {
	w, err := NewRandomWeights(cfg, seed)
	if err != nil {
		return nil, err
	}
	return New(cfg, w, opts...)
}

// LoadSafetensors opens a checkpoint and builds a stack from it. heads
// overrides the head count stored in the checkpoint metadata when positive.
func LoadSafetensors(path string, heads int, opts ...Option) (*Stack, error) {
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()
	w, cfg, err := LoadWeights(st, heads)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return New(cfg, w, opts...)
}

// Hooks returns the hooks resolved at construction.
func (s *Stack) Hooks() Hooks { return s.hooks }

func (s *Stack) AttentionMode() generation.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Stack) SetAttentionMode(m generation.Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Forward runs every batch row through the stack. Scores come from the
// Final hook, so a classification head yields one score per position.
func (s *Stack) Forward(ctx context.Context, tokens [][]int, positionIDs []int, mask *layout.Mask) (*refine.Logits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrShape)
	}
	n := len(tokens[0])
	if len(positionIDs) != n || mask == nil || mask.Size() != n {
		return nil, fmt.Errorf("%w: %d tokens with %d position ids", ErrShape, n, len(positionIDs))
	}
	for _, p := range positionIDs {
		if p < 0 || p >= s.Config.MaxPosition {
			return nil, fmt.Errorf("%w: position id %d outside [0, %d)", ErrShape, p, s.Config.MaxPosition)
		}
	}

	window, gridStart := 0, n
	if s.mode == generation.ModeSparse2D {
		window, gridStart = s.Config.SparseWindow, secondSegmentStart(positionIDs)
	}

	var out *refine.Logits
	for b, row := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d tokens, want %d", ErrShape, b, len(row), n)
		}
		scores, err := s.forwardRow(row, positionIDs, mask, window, gridStart)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", b, err)
		}
		if out == nil {
			out = refine.NewLogits(len(tokens), n, scores.C)
		}
		for i := range n {
			copy(out.Row(b, i), scores.Row(i))
		}
	}
	return out, nil
}

func (s *Stack) forwardRow(row, pos []int, mask *layout.Mask, window, gridStart int) (*tensor.Mat, error) {
	cfg := s.Config
	w := s.Weights
	n, h := len(row), cfg.Hidden

	x := tensor.NewMat(n, h)
	for i, tok := range row {
		if tok < 0 || tok >= cfg.Vocab {
			return nil, fmt.Errorf("%w: token %d at %d outside vocabulary of %d", ErrShape, tok, i, cfg.Vocab)
		}
		dst := x.Row(i)
		copy(dst, w.WordEmbeddings.Row(tok))
		tensor.Add(dst, w.PositionEmbeddings.Row(pos[i]))
	}

	norm := tensor.NewMat(n, h)
	q, k, v := tensor.NewMat(n, h), tensor.NewMat(n, h), tensor.NewMat(n, h)
	attn := tensor.NewMat(n, h)
	branch := tensor.NewMat(n, h)
	qkv := make([]float32, 3*h)
	for li := range w.Layers {
		lw := &w.Layers[li]
		lc := &LayerContext{
			Index:       li,
			Weights:     lw,
			Heads:       cfg.Heads,
			PositionIDs: pos,
			mask:        mask,
			window:      window,
			gridStart:   gridStart,
		}
		s.hooks.BeforeLayer(lc, &x)

		for i := range n {
			tensor.LayerNorm(norm.Row(i), x.Row(i), lw.InputNorm, lw.InputNormBias, cfg.eps())
			tensor.Linear(qkv, lw.QKV, lw.QKVBias, norm.Row(i))
			copy(q.Row(i), qkv[:h])
			copy(k.Row(i), qkv[h:2*h])
			copy(v.Row(i), qkv[2*h:])
		}
		s.hooks.Attention(lc, &q, &k, &v, &attn)
		for i := range n {
			tensor.Linear(branch.Row(i), lw.Dense, lw.DenseBias, attn.Row(i))
			tensor.Add(x.Row(i), branch.Row(i))
		}

		for i := range n {
			tensor.LayerNorm(norm.Row(i), x.Row(i), lw.PostNorm, lw.PostNormBias, cfg.eps())
		}
		s.hooks.MLP(lc, &norm, &branch)
		for i := range n {
			tensor.Add(x.Row(i), branch.Row(i))
		}
		s.hooks.AfterLayer(lc, &x)
	}

	scores := s.hooks.Final(&FinalContext{Weights: w, Eps: cfg.eps()}, &x)
	if scores == nil || scores.R != n || scores.C <= 0 {
		return nil, fmt.Errorf("%w: final hook returned no scores", ErrShape)
	}
	return scores, nil
}

// secondSegmentStart finds where the last position-id ramp restarts at
// zero. Inputs without a restart have no second segment.
func secondSegmentStart(pos []int) int {
	for i := len(pos) - 1; i > 0; i-- {
		if pos[i] == 0 && pos[i-1] != 0 {
			return i
		}
	}
	return len(pos)
}
