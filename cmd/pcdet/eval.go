package main

import (
	"context"
	"os"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/eval"
	"github.com/nvr-ai/go-pcdet/inference"
	"github.com/nvr-ai/go-pcdet/models"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/runstore"
)

func evalCmd() *cli.Command {
	var (
		dataRoot  string
		ckpt      string
		batchSize int64
		kitti     bool
		output    string
		noStore   bool
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Compute recall and average precision of a checkpoint",
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "dataset root with points/ and labels/",
				Required:    true,
				Destination: &dataRoot,
			},
			&cli.StringFlag{
				Name:        "ckpt",
				Usage:       "checkpoint to evaluate",
				Required:    true,
				Destination: &ckpt,
			},
			&cli.Int64Flag{
				Name:        "batch-size",
				Aliases:     []string{"b"},
				Value:       1,
				Destination: &batchSize,
			},
			&cli.BoolFlag{
				Name:        "kitti",
				Usage:       "match with the KITTI class thresholds instead of 0.5 3D IoU",
				Destination: &kitti,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write the result as JSON to this file",
				Destination: &output,
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

			ds, err := dataset.New(ctx, cfg, dataset.Options{Root: dataRoot, BatchSize: int(batchSize)})
			if err != nil {
				return err
			}
			det, err := models.Build(cfg, model.Options{
				Mode:      model.ModeEval,
				BatchSize: int(batchSize),
				Logger:    env.logger,
			})
			if err != nil {
				return err
			}
			ck, err := inference.Restore(det, ckpt)
			if err != nil {
				return err
			}
			var opts eval.Options
			if kitti {
				opts.IoU = eval.KittiIoU
			}
			res, err := eval.Run(ctx, det, ds, opts)
			if err != nil {
				return err
			}

			if !noStore && cfg.Runtime.RunDB != "" {
				if err := recordEval(ctx, cfg, res, ck.Epoch, ck.Step); err != nil {
					return err
				}
			}
			if output != "" {
				raw, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return errors.Wrap(err, "encode result")
				}
				if err := os.WriteFile(output, raw, 0o644); err != nil {
					return errors.Wrapf(err, "write %s", output)
				}
				env.logger.Info("result written", zap.String("path", output))
			}
			return nil
		},
	}
}

func recordEval(ctx context.Context, cfg *config.Config, res *eval.Result, epoch, step int) error {
	store, err := runstore.Open(cfg.Runtime.RunDB)
	if err != nil {
		return err
	}
	defer store.Close()
	raw, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	id, err := store.StartRun(ctx, runstore.KindEval, cfg.Model.Name, string(raw))
	if err != nil {
		return err
	}
	if err := store.Record(ctx, id, step, epoch, res.Metrics()); err != nil {
		_ = store.FinishRun(context.WithoutCancel(ctx), id, runstore.StatusFailed)
		return err
	}
	return store.FinishRun(ctx, id, runstore.StatusDone)
}
