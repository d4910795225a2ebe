package generation

import (
	"fmt"

	"github.com/samcharles93/satgen/internal/refine"
)

// Mode selects the attention pattern a model runs with.
type Mode int

const (
	// ModeStandard is plain causal attention over the whole sequence.
	ModeStandard Mode = iota
	// ModeSparse2D is the windowed pattern used for image-grid refinement.
	ModeSparse2D
)

func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "standard"
	case ModeSparse2D:
		return "sparse_2d"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "standard", "":
		return ModeStandard, nil
	case "sparse_2d", "cuda_2d":
		return ModeSparse2D, nil
	default:
		return 0, fmt.Errorf("unknown attention mode %q", s)
	}
}

// AttentionModeSetter is implemented by models whose attention pattern can
// be switched between calls.
type AttentionModeSetter interface {
	AttentionMode() Mode
	SetAttentionMode(Mode)
}

// MemoryLimiter is implemented by models that keep cached key/value memory
// across calls.
type MemoryLimiter interface {
	MemoryLength() int
	SetMemoryLength(int)
}

// WithAttentionMode runs fn with m switched to mode. The previous mode is
// restored when fn returns, fails or panics. Models without a switchable
// mode run fn unchanged.
func WithAttentionMode(m refine.Model, mode Mode, fn func() error) error {
	s, ok := m.(AttentionModeSetter)
	if !ok {
		return fn()
	}
	prev := s.AttentionMode()
	s.SetAttentionMode(mode)
	defer s.SetAttentionMode(prev)
	return fn()
}

// WithMemoryLength runs fn with the model memory length set to n and
// restores it afterwards.
func WithMemoryLength(m refine.Model, n int, fn func() error) error {
	l, ok := m.(MemoryLimiter)
	if !ok {
		return fn()
	}
	prev := l.MemoryLength()
	l.SetMemoryLength(n)
	defer l.SetMemoryLength(prev)
	return fn()
}
