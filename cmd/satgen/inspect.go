package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/satgen/internal/safetensors"
	"github.com/samcharles93/satgen/internal/transformer"
)

func inspectCmd() *cli.Command {
	var showMeta bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors and derived config of a safetensors checkpoint",
		ArgsUsage: "<checkpoint.safetensors>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "metadata",
				Usage:       "print the header metadata",
				Destination: &showMeta,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("checkpoint path is required")
			}
			st, err := safetensors.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "NAME\tDTYPE\tSHAPE\tBYTES\n")
			for _, name := range st.Names() {
				info, _ := st.Tensor(name)
				_, _ = fmt.Fprintf(w, "%s\t%s\t%v\t%d\n", name, info.DType, info.Shape, info.End-info.Start)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if showMeta && len(st.Metadata) > 0 {
				keys := make([]string, 0, len(st.Metadata))
				for k := range st.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Println()
				for _, k := range keys {
					fmt.Printf("%s: %s\n", k, st.Metadata[k])
				}
			}

			if _, cfg, err := transformer.LoadWeights(st, 0); err == nil {
				fmt.Printf("\nvocab=%d hidden=%d heads=%d layers=%d max_position=%d sparse_window=%d mapped=%v\n",
					cfg.Vocab, cfg.Hidden, cfg.Heads, cfg.Layers, cfg.MaxPosition, cfg.SparseWindow, st.Mapped())
			}
			return nil
		},
	}
}
