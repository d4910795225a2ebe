package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/satgen/internal/generation"
	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/refine"
	"github.com/samcharles93/satgen/internal/transformer"
)

type fillOptions struct {
	input    string
	output   string
	layout   string
	steps    int64
	topK     int64
	seed     int64
	policy   string
	lowRes   int64
	padID    int64
	batch    int64
	shards   int64
	parallel int64
	debugDir string
	device   string
	snapshot bool
}

// fillInput is the fill command input: either a bare JSON array or an
// object with a sequence field.
type fillInput struct {
	Sequence []int `json:"sequence"`
}

type fillOutput struct {
	Shard     int     `json:"shard"`
	Sequence  [][]int `json:"sequence"`
	Steps     int     `json:"steps"`
	Forced    []int   `json:"forced"`
	Exhausted bool    `json:"exhausted"`
}

func fillCmd() *cli.Command {
	var opts fillOptions

	return &cli.Command{
		Name:  "fill",
		Usage: "Fill the unknown image grid of a token sequence",
		Flags: append(append(commonModelFlags(), codecFlags()...),
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "JSON sequence file (- for stdin); -1 marks unknown tokens",
				Value:       "-",
				Destination: &opts.input,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "result file (default stdout)",
				Destination: &opts.output,
			},
			&cli.StringFlag{
				Name:        "layout",
				Usage:       "prefix_end,segment1_end,segment2_end",
				Required:    true,
				Destination: &opts.layout,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Usage:       "refinement step budget",
				Value:       refine.DefaultStepBudget,
				Destination: &opts.steps,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "refinement shortlist size",
				Value:       refine.DefaultTopK,
				Destination: &opts.topK,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling seed",
				Destination: &opts.seed,
			},
			&cli.StringFlag{
				Name:        "policy",
				Usage:       "fix policy (forced, confidence)",
				Value:       "forced",
				Destination: &opts.policy,
			},
			&cli.Int64Flag{
				Name:        "low-res",
				Usage:       "side of the coarse grid ending the prefix",
				Value:       32,
				Destination: &opts.lowRes,
			},
			&cli.Int64Flag{
				Name:        "pad-id",
				Usage:       "token used for left padding",
				Destination: &opts.padID,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Usage:       "rows generated per shard",
				Value:       1,
				Destination: &opts.batch,
			},
			&cli.Int64Flag{
				Name:        "shards",
				Usage:       "independent fills, each with its own model instance",
				Value:       1,
				Destination: &opts.shards,
			},
			&cli.Int64Flag{
				Name:        "parallel",
				Usage:       "shards run at once (0 = all)",
				Destination: &opts.parallel,
			},
			&cli.BoolFlag{
				Name:        "snapshots",
				Usage:       "write a JPEG of every refinement pass",
				Destination: &opts.snapshot,
			},
			&cli.StringFlag{
				Name:        "debug-dir",
				Usage:       "directory for snapshot grids",
				Value:       ".",
				Destination: &opts.debugDir,
			},
			&cli.StringFlag{
				Name:        "device",
				Usage:       "device id used in snapshot file names",
				Value:       "0",
				Sources:     cli.EnvVars(envSatgenDevice),
				Destination: &opts.device,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyModelConfig(cmd, cfg)
			applyFillConfig(cmd, cfg, &opts)

			if modelPath == "" {
				return fmt.Errorf("--model is required")
			}
			seq, err := readSequence(opts.input)
			if err != nil {
				return err
			}
			c, err := newCodec()
			if err != nil {
				return err
			}
			gcfg, err := opts.pipelineConfig(log)
			if err != nil {
				return err
			}

			log.Info("filling",
				"model", modelPath,
				"sequence_len", len(seq),
				"shards", opts.shards,
				"batch", opts.batch,
			)
			results, err := generation.FillShards(ctx, int(opts.shards), int(opts.parallel),
				func(int) (refine.Model, error) {
					return transformer.LoadSafetensors(modelPath, int(heads))
				},
				func(ctx context.Context, shard int, m refine.Model) (*refine.Result, error) {
					scfg := gcfg
					scfg.Stage1.Seed += int64(shard)
					scfg.Refine.Seed += int64(shard)
					scfg.Device = fmt.Sprintf("%s-%d", opts.device, shard)
					if opts.shards == 1 {
						scfg.Device = opts.device
					}
					scfg.Logger = log.With("shard", shard)
					return generation.Fill2D(ctx, m, c, seq, scfg)
				},
			)
			if err != nil {
				return err
			}
			return writeResults(opts.output, results)
		},
	}
}

func (o fillOptions) pipelineConfig(log logger.Logger) (generation.Config, error) {
	l, err := parseLayout(o.layout)
	if err != nil {
		return generation.Config{}, err
	}
	if o.shards <= 0 || o.batch <= 0 {
		return generation.Config{}, fmt.Errorf("--shards and --batch must be positive")
	}
	cfg := generation.DefaultConfig(l)
	cfg.LowResSide = int(o.lowRes)
	cfg.PadID = int(o.padID)
	cfg.DebugDir = o.debugDir
	cfg.Device = o.device
	cfg.Logger = log
	cfg.Stage1.BatchSize = int(o.batch)
	cfg.Stage1.Seed = o.seed
	cfg.Refine.StepBudget = int(o.steps)
	cfg.Refine.TopK = int(o.topK)
	cfg.Refine.Seed = o.seed
	cfg.Refine.Debug = o.snapshot
	switch strings.ToLower(o.policy) {
	case "", "forced":
		cfg.Refine.Policy = refine.ForcedPolicy{}
	case "confidence":
		cfg.Refine.Policy = refine.DefaultConfidencePolicy()
	default:
		return generation.Config{}, fmt.Errorf("unknown policy %q", o.policy)
	}
	if err := cfg.Refine.Validate(); err != nil {
		return generation.Config{}, err
	}
	return cfg, nil
}

func readSequence(path string) ([]int, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return parseSequence(data)
}

func parseSequence(data []byte) ([]int, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var seq []int
		if err := json.Unmarshal([]byte(trimmed), &seq); err != nil {
			return nil, fmt.Errorf("decode sequence: %w", err)
		}
		return seq, nil
	}
	var in fillInput
	if err := json.Unmarshal([]byte(trimmed), &in); err != nil {
		return nil, fmt.Errorf("decode sequence: %w", err)
	}
	if len(in.Sequence) == 0 {
		return nil, fmt.Errorf("input has no sequence")
	}
	return in.Sequence, nil
}

func writeResults(path string, results []*refine.Result) error {
	out := make([]fillOutput, len(results))
	for i, r := range results {
		out[i] = fillOutput{
			Shard:     i,
			Sequence:  r.Sequence,
			Steps:     r.Steps,
			Forced:    r.Forced,
			Exhausted: r.Exhausted,
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
