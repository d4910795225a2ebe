package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/satgen/internal/codec"
	"github.com/samcharles93/satgen/internal/layout"
)

const envSatgenDevice = "SATGEN_DEVICE"

var (
	modelPath   string
	modelsPath  string
	heads       int64
	paletteSize int64
	gridSide    int64
	cellSize    int64
	logLevel    string
	logFormat   string
	debug       bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a .safetensors checkpoint",
			Destination: &modelPath,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "attention heads (0 reads num_attention_heads from the checkpoint)",
			Destination: &heads,
		},
	}
}

func codecFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "palette-size",
			Usage:       "number of image tokens",
			Value:       64,
			Destination: &paletteSize,
		},
		&cli.Int64Flag{
			Name:        "grid-side",
			Usage:       "side of the image token grid",
			Value:       64,
			Destination: &gridSide,
		},
		&cli.Int64Flag{
			Name:        "cell",
			Usage:       "decoded pixels per image token side",
			Value:       4,
			Destination: &cellSize,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func newCodec() (*codec.Palette, error) {
	return codec.DefaultPalette(int(paletteSize), int(gridSide), int(cellSize))
}

// parseLayout reads "prefix,segment1,segment2".
func parseLayout(s string) (layout.Layout, error) {
	parts := strings.Split(s, ",")
	vals := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return layout.Layout{}, fmt.Errorf("layout %q: %w", s, err)
		}
		vals = append(vals, v)
	}
	return layout.FromSlice(vals)
}
