package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/satgen/internal/finetune"
	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/transformer"
)

// classifySample is one JSONL line of a yes/no reading comprehension set.
type classifySample struct {
	Passage  []int `json:"passage"`
	Question []int `json:"question"`
	Label    int   `json:"label"`
}

type classifySummary struct {
	Samples  int     `json:"samples"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

func classifyCmd() *cli.Command {
	var (
		dataPath  string
		sampleLen int64
		encID     int64
		eosID     int64
		padID     int64
		inner     int64
		prefixLen int64
		batchSize int64
		seed      int64
	)

	return &cli.Command{
		Name:  "classify",
		Usage: "Score a JSONL passage/question set with a classification head",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "data",
				Usage:       "JSONL file of {passage, question, label} token samples",
				Required:    true,
				Destination: &dataPath,
			},
			&cli.Int64Flag{Name: "sample-len", Usage: "packed sample length", Value: 256, Destination: &sampleLen},
			&cli.Int64Flag{Name: "enc-id", Usage: "[ENC] command token", Destination: &encID},
			&cli.Int64Flag{Name: "eos-id", Usage: "end of segment token", Destination: &eosID},
			&cli.Int64Flag{Name: "pad-id", Usage: "token fed for padded slots", Destination: &padID},
			&cli.Int64Flag{Name: "head-hidden", Usage: "classification head inner width", Value: 2048, Destination: &inner},
			&cli.Int64Flag{Name: "prefix-len", Usage: "prefix tuning length (0 disables)", Value: 16, Destination: &prefixLen},
			&cli.Int64Flag{Name: "batch", Usage: "samples per step", Value: 8, Destination: &batchSize},
			&cli.Int64Flag{Name: "seed", Usage: "head and prefix initialisation seed", Destination: &seed},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, LoadConfig())
			if modelPath == "" {
				return fmt.Errorf("--model is required")
			}
			if batchSize <= 0 {
				return fmt.Errorf("--batch must be positive")
			}
			samples, err := readSamples(dataPath)
			if err != nil {
				return err
			}

			base, err := transformer.LoadSafetensors(modelPath, int(heads))
			if err != nil {
				return err
			}
			hooks := finetune.NewClassifier(base.Config, int(inner), int(prefixLen), seed)
			m, err := transformer.New(base.Config, base.Weights, transformer.WithHooks(hooks))
			if err != nil {
				return err
			}

			cmds := finetune.Commands{ENC: int(encID), EOS: int(eosID)}
			var sum classifySummary
			for start := 0; start < len(samples); start += int(batchSize) {
				chunk := samples[start:min(start+int(batchSize), len(samples))]
				rows := make([][]int, len(chunk))
				labels := make([]int, len(chunk))
				for i, s := range chunk {
					rows[i] = finetune.PackSample(s.Passage, s.Question, cmds, int(sampleLen))
					labels[i] = s.Label
				}
				b, err := finetune.BuildBatch(rows)
				if err != nil {
					return fmt.Errorf("batch at %d: %w", start, err)
				}
				met, err := finetune.ForwardStep(ctx, m, b, labels, int(padID))
				if err != nil {
					return fmt.Errorf("batch at %d: %w", start, err)
				}
				n := float64(len(chunk))
				sum.Loss += met.Loss * n
				sum.Accuracy += met.Accuracy * n
				sum.Samples += len(chunk)
				log.Debug("batch scored", "start", start, "loss", met.Loss, "accuracy", met.Accuracy)
			}
			if sum.Samples > 0 {
				sum.Loss /= float64(sum.Samples)
				sum.Accuracy /= float64(sum.Samples)
			}
			log.Info("classification done", "samples", sum.Samples, "loss", sum.Loss, "accuracy", sum.Accuracy)
			return json.NewEncoder(os.Stdout).Encode(sum)
		},
	}
}

func readSamples(path string) ([]classifySample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []classifySample
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var s classifySample
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
