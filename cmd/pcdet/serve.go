package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/nvr-ai/go-pcdet/server"
)

func serveCmd() *cli.Command {
	var (
		backend   string
		ckpt      string
		batchSize int64
		addr      string
		maxPoints int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve detections over HTTP",
		Flags: append(append(configFlags(), engineFlags(&backend, &ckpt, &batchSize)...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address, overrides RUNTIME.SERVER.ADDR",
				Destination: &addr,
			},
			&cli.Int64Flag{
				Name:        "max-points",
				Usage:       "largest accepted point cloud",
				Value:       server.DefaultMaxPoints,
				Destination: &maxPoints,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, env, err := setup(ctx)
			if err != nil {
				return err
			}
			defer env.close()
			cfg := env.cfg
			if addr == "" {
				addr = cfg.Runtime.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}

			engine, err := buildEngine(ctx, env, backend, ckpt, int(batchSize))
			if err != nil {
				return err
			}
			defer engine.Close()
			srv := server.New(engine, server.Options{
				Model:       cfg.Model.Name,
				ClassNames:  cfg.ClassNames,
				NumFeatures: cfg.DataConfig.NumPointFeatures,
				MaxPoints:   int(maxPoints),
				Logger:      env.logger,
			})
			return srv.Start(ctx, addr)
		},
	}
}
