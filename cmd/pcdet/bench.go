package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/nvr-ai/go-pcdet/benchmark"
)

func benchCmd() *cli.Command {
	var (
		backend    string
		ckpt       string
		batchSize  int64
		iterations int64
		points     []int64
		outputDir  string
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure engine latency and throughput on synthetic point clouds",
		Flags: append(append(configFlags(), engineFlags(&backend, &ckpt, &batchSize)...),
			&cli.Int64Flag{
				Name:        "iterations",
				Aliases:     []string{"n"},
				Value:       50,
				Destination: &iterations,
			},
			&cli.Int64SliceFlag{
				Name:        "points",
				Usage:       "points per cloud, one scenario each",
				Value:       []int64{4096, 16384, 65536},
				Destination: &points,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "directory for the JSON and CSV results",
				Value:       "output/benchmark",
				Destination: &outputDir,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, env, err := setup(ctx)
			if err != nil {
				return err
			}
			defer env.close()
			engine, err := buildEngine(ctx, env, backend, ckpt, int(batchSize))
			if err != nil {
				return err
			}
			defer engine.Close()

			suite := benchmark.NewSuite(engine, benchmark.SuiteOptions{
				OutputDir:   outputDir,
				NumFeatures: env.cfg.DataConfig.NumPointFeatures,
				Range:       env.cfg.DataConfig.PointCloudRange,
				Logger:      env.logger,
			})
			counts := make([]int, len(points))
			for i, p := range points {
				counts[i] = int(p)
			}
			for _, s := range benchmark.PointScaling(backend, int(batchSize), int(iterations), counts...) {
				suite.AddScenario(s)
			}
			return suite.RunAllScenarios(ctx)
		},
	}
}
