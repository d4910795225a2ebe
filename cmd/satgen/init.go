package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/transformer"
)

func initCmd() *cli.Command {
	var (
		out  string
		seed int64
		dims struct{ vocab, hidden, heads, layers, maxPos, window int64 }
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a randomly initialised checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .safetensors path", Required: true, Destination: &out},
			&cli.Int64Flag{Name: "vocab", Usage: "vocabulary size", Value: 4096, Destination: &dims.vocab},
			&cli.Int64Flag{Name: "hidden", Usage: "hidden size", Value: 64, Destination: &dims.hidden},
			&cli.Int64Flag{Name: "heads", Usage: "attention heads", Value: 4, Destination: &dims.heads},
			&cli.Int64Flag{Name: "layers", Usage: "transformer layers", Value: 2, Destination: &dims.layers},
			&cli.Int64Flag{Name: "max-position", Usage: "position embedding rows", Value: 4096, Destination: &dims.maxPos},
			&cli.Int64Flag{Name: "sparse-window", Usage: "grid attention window in sparse mode (0 = unlimited)", Destination: &dims.window},
			&cli.Int64Flag{Name: "seed", Usage: "initialisation seed", Destination: &seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := transformer.Config{
				Vocab:        int(dims.vocab),
				Hidden:       int(dims.hidden),
				Heads:        int(dims.heads),
				Layers:       int(dims.layers),
				MaxPosition:  int(dims.maxPos),
				SparseWindow: int(dims.window),
			}
			s, err := transformer.NewRandom(cfg, seed)
			if err != nil {
				return err
			}
			if err := transformer.SaveWeights(out, s.Weights, cfg); err != nil {
				return fmt.Errorf("save %s: %w", out, err)
			}
			logger.FromContext(ctx).Info("checkpoint written", "path", out, "layers", cfg.Layers, "hidden", cfg.Hidden)
			return nil
		},
	}
}
