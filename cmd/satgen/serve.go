package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/satgen/internal/api"
	"github.com/samcharles93/satgen/internal/generation"
	"github.com/samcharles93/satgen/internal/layout"
	"github.com/samcharles93/satgen/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		lowRes      int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the fill REST API",
		Flags: append(append(commonModelFlags(), codecFlags()...),
			&cli.StringFlag{
				Name:        "models-path",
				Aliases:     []string{"path"},
				Usage:       "directory containing .safetensors checkpoints",
				Destination: &modelsPath,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "low-res",
				Usage:       "side of the coarse grid ending full-sequence prefixes",
				Value:       32,
				Destination: &lowRes,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyModelConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &addr)

			c, err := newCodec()
			if err != nil {
				return err
			}
			defaults := generation.DefaultConfig(layout.Layout{})
			defaults.LowResSide = int(lowRes)

			provider := api.NewCachedModelProvider(api.ModelProviderConfig{
				DefaultModelPath: modelPath,
				ModelsPath:       modelsPath,
				Heads:            int(heads),
			})
			service := api.NewFillService(provider,
				api.WithCodec(c),
				api.WithDefaults(defaults),
				api.WithLogger(log.With("component", "api")),
			)
			server := api.NewServer(api.NewFillStore(), service)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
