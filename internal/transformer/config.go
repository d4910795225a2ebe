// Package transformer is a small reference forward driver for pre-LN GPT
// style language models. Behaviour that fine-tuning and generation variants
// change is exposed through Hooks rather than flags.
package transformer

import (
	"errors"
	"fmt"
)

// ErrShape reports weights or inputs whose dimensions do not line up.
var ErrShape = errors.New("transformer: shape mismatch")

// Config describes the stack dimensions.
type Config struct {
	Vocab       int `yaml:"vocab"`
	Hidden      int `yaml:"hidden"`
	Heads       int `yaml:"heads"`
	Layers      int `yaml:"layers"`
	MaxPosition int `yaml:"max_position"`
	// SparseWindow limits how far back a grid position may attend in
	// sparse 2D mode. Zero disables the window.
	SparseWindow int     `yaml:"sparse_window"`
	LayerNormEps float32 `yaml:"layernorm_eps"`
}

// Validate checks that the dimensions are usable.
func (c Config) Validate() error {
	if c.Vocab <= 0 || c.Hidden <= 0 || c.Heads <= 0 || c.Layers < 0 || c.MaxPosition <= 0 {
		return fmt.Errorf("%w: dimensions must be positive: %+v", ErrShape, c)
	}
	if c.Hidden%c.Heads != 0 {
		return fmt.Errorf("%w: hidden size %d not divisible by %d heads", ErrShape, c.Hidden, c.Heads)
	}
	if c.SparseWindow < 0 {
		return fmt.Errorf("%w: sparse window must not be negative", ErrShape)
	}
	return nil
}

func (c Config) eps() float32 {
	if c.LayerNormEps <= 0 {
		return 1e-5
	}
	return c.LayerNormEps
}
