package refine

import (
	"errors"
	"fmt"

	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/logits"
)

var (
	// ErrConfig reports an invalid sampling configuration or input. It is
	// raised before the first forward pass.
	ErrConfig = errors.New("refine: invalid configuration")
	// ErrForward wraps a failed forward pass. The partially sampled state is
	// discarded.
	ErrForward = errors.New("refine: forward pass failed")
)

const (
	DefaultStepBudget = 20
	DefaultTopK       = 5
)

// Config controls one Fill call.
type Config struct {
	// StepBudget is the number of passes after which every remaining
	// position is forced to its latest sample.
	StepBudget int
	// TopK is the shortlist size for each categorical draw.
	TopK int
	// Policy decides which positions lock in each pass. Nil means
	// ForcedPolicy.
	Policy FixPolicy
	// InvalidRanges are vocabulary ranges that may never be drawn,
	// typically everything at or past the image vocabulary size.
	InvalidRanges []logits.Range
	// Placeholder stands in for unknown positions that have no initial
	// estimate on the first pass.
	Placeholder int
	Seed        int64

	// Debug enables per-pass snapshots through Recorder.
	Debug    bool
	Recorder Recorder

	// OnStep, when set, observes every pass after bookkeeping.
	OnStep func(StepInfo)
	Logger logger.Logger
}

// StepInfo describes one completed pass.
type StepInfo struct {
	Step        int
	Temperature float64
	// Unfixed counts unresolved positions across the batch after the pass.
	Unfixed int
	// NewlyFixed counts positions resolved during the pass, excluding the
	// budget force-fill.
	NewlyFixed int
}

// DefaultConfig returns the budget, shortlist and policy used by the 2D
// filling pipeline.
func DefaultConfig() Config {
	return Config{
		StepBudget: DefaultStepBudget,
		TopK:       DefaultTopK,
		Policy:     ForcedPolicy{},
	}
}

// Validate reports configuration errors. It never touches the model.
func (c Config) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive, got %d", ErrConfig, c.TopK)
	}
	if c.StepBudget <= 0 {
		return fmt.Errorf("%w: step budget must be positive, got %d", ErrConfig, c.StepBudget)
	}
	return nil
}

// Temperature is the annealing schedule: linear from 2.0 at step 0 down to
// 0.1 at step == budget, flat afterwards.
func Temperature(step, budget int) float64 {
	if budget <= 0 {
		return 0.1
	}
	frac := min(1, float64(step)/float64(budget))
	frac = max(0, frac)
	return 2 - frac*1.9
}
