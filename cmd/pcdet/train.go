package main

import (
	"context"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/runstore"
	"github.com/nvr-ai/go-pcdet/train"
)

func trainCmd() *cli.Command {
	var (
		dataRoot string
		epochs   int64
		resume   string
		ckptDir  string
		logEvery int64
		noStore  bool
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Train a detector on a dataset directory",
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "dataset root with points/ and labels/",
				Required:    true,
				Destination: &dataRoot,
			},
			&cli.Int64Flag{
				Name:        "epochs",
				Usage:       "override OPTIMIZATION.NUM_EPOCHS",
				Destination: &epochs,
			},
			&cli.StringFlag{
				Name:        "resume",
				Usage:       "checkpoint to continue from",
				Destination: &resume,
			},
			&cli.StringFlag{
				Name:        "ckpt-dir",
				Usage:       "override RUNTIME.CKPT_DIR",
				Destination: &ckptDir,
			},
			&cli.Int64Flag{
				Name:        "log-every",
				Usage:       "log every n steps",
				Value:       10,
				Destination: &logEvery,
			},
			&cli.BoolFlag{
				Name:        "no-store",
				Usage:       "do not record the run in RUNTIME.RUN_DB",
				Destination: &noStore,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, env, err := setup(ctx)
			if err != nil {
				return err
			}
			defer env.close()
			cfg := env.cfg
			if ckptDir == "" {
				ckptDir = cfg.Runtime.CheckpointDir
			}

			ds, err := dataset.New(ctx, cfg, dataset.Options{
				Root:      dataRoot,
				Training:  true,
				BatchSize: cfg.Optimization.BatchSize,
				Seed:      cfg.Runtime.Seed,
			})
			if err != nil {
				return err
			}
			det, err := models.Build(cfg, model.Options{
				Mode:      model.ModeTrain,
				BatchSize: cfg.Optimization.BatchSize,
				Logger:    env.logger,
			})
			if err != nil {
				return err
			}

			opts := train.Options{
				Epochs:        int(epochs),
				CheckpointDir: ckptDir,
				CkptEvery:     cfg.Runtime.CkptEvery,
				LogEvery:      int(logEvery),
				Profiler:      env.prof,
				Logger:        env.logger,
			}
			if !noStore && cfg.Runtime.RunDB != "" {
				store, err := runstore.Open(cfg.Runtime.RunDB)
				if err != nil {
					return err
				}
				defer store.Close()
				opts.Store = store
				raw, err := config.Dump(cfg)
				if err != nil {
					return err
				}
				opts.ConfigYAML = string(raw)
			}

			t, err := train.New(det, cfg.Optimization, ds.NumBatches(), opts)
			if err != nil {
				return err
			}
			defer t.Close()
			if resume != "" {
				if err := t.Resume(resume); err != nil {
					return err
				}
			}
			if err := t.Fit(ctx, ds); err != nil {
				return err
			}
			env.logger.Info("training finished",
				zap.Stringer("run", t.RunID()),
				zap.Int("epoch", t.Epoch()),
				zap.Int("steps", t.Steps()))
			return nil
		},
	}
}
