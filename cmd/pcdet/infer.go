package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/inference"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
	"github.com/nvr-ai/go-pcdet/server"
	"github.com/nvr-ai/go-pcdet/visualize"
)

// frameResult is one line of the infer output.
type frameResult struct {
	Frame      string             `json:"frame"`
	Detections []server.Detection `json:"detections"`
}

func engineFlags(backend, ckpt *string, batchSize *int64) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "engine (graph, onnx)",
			Value:       string(inference.EngineGraph),
			Destination: backend,
		},
		&cli.StringFlag{
			Name:        "ckpt",
			Usage:       "checkpoint of the graph engine",
			Destination: ckpt,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Value:       1,
			Destination: batchSize,
		},
	}
}

func buildEngine(ctx context.Context, env *env, backend, ckpt string, batchSize int) (inference.Engine, error) {
	return inference.NewEngineBuilder().
		WithConfig(env.cfg).
		WithBackend(backend).
		WithCheckpoint(ckpt).
		WithBatchSize(batchSize).
		WithProfiler(env.prof).
		WithLogger(env.logger).
		Build(ctx)
}

func inferCmd() *cli.Command {
	var (
		backend    string
		ckpt       string
		batchSize  int64
		minScore   float64
		output     string
		bevDir     string
		densityDir string
		jet        bool
		resolution float64
	)

	return &cli.Command{
		Name:      "infer",
		Usage:     "Detect objects in point files and print one JSON line per frame",
		ArgsUsage: "<points.bin>...",
		Flags: append(append(configFlags(), engineFlags(&backend, &ckpt, &batchSize)...),
			&cli.Float64Flag{
				Name:        "min-score",
				Usage:       "drop detections scoring below it",
				Destination: &minScore,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write the JSON lines to this file instead of stdout",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "bev-dir",
				Usage:       "render a bird's-eye-view PNG of every frame into this directory",
				Destination: &bevDir,
			},
			&cli.StringFlag{
				Name:        "density-dir",
				Usage:       "write a point density thumbnail of every frame into this directory",
				Destination: &densityDir,
			},
			&cli.BoolFlag{
				Name:        "jet",
				Usage:       "color the density thumbnails with the jet color map",
				Destination: &jet,
			},
			&cli.Float64Flag{
				Name:        "resolution",
				Usage:       "meters per pixel of the rendered views",
				Value:       0.1,
				Destination: &resolution,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return errors.New("no point files given")
			}
			ctx, env, err := setup(ctx)
			if err != nil {
				return err
			}
			defer env.close()
			cfg := env.cfg
			numFeatures := cfg.DataConfig.NumPointFeatures

			clouds := make([][]float32, len(paths))
			for i, p := range paths {
				if clouds[i], err = dataset.ReadPoints(p, numFeatures); err != nil {
					return err
				}
			}
			engine, err := buildEngine(ctx, env, backend, ckpt, int(batchSize))
			if err != nil {
				return err
			}
			defer engine.Close()
			results, err := engine.PredictBatch(ctx, clouds)
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return errors.Wrapf(err, "create %s", output)
				}
				defer f.Close()
				w = f
			}
			bw := bufio.NewWriter(w)
			enc := json.NewEncoder(bw)
			for i, p := range paths {
				if err := enc.Encode(frameResult{
					Frame:      frameID(p),
					Detections: server.ToDetections(results[i], cfg.ClassNames, float32(minScore)),
				}); err != nil {
					return errors.Wrap(err, "encode detections")
				}
			}
			if err := bw.Flush(); err != nil {
				return errors.Wrap(err, "flush output")
			}

			if bevDir == "" && densityDir == "" {
				return nil
			}
			view, err := visualize.NewBEV(cfg.DataConfig.PointCloudRange, float32(resolution), cfg.ClassNames)
			if err != nil {
				return err
			}
			for i, p := range paths {
				if err := render(view, cfg, bevDir, densityDir, jet, frameID(p), clouds[i], keep(results[i], float32(minScore))); err != nil {
					return err
				}
			}
			env.logger.Info("views written", zap.Int("frames", len(paths)))
			return nil
		},
	}
}

func frameID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func keep(results []postprocess.Result, minScore float32) []postprocess.Result {
	out := results[:0:0]
	for _, r := range results {
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	return out
}

func render(view *visualize.BEV, cfg *config.Config, bevDir, densityDir string, jet bool, id string, points []float32, results []postprocess.Result) error {
	numFeatures := cfg.DataConfig.NumPointFeatures
	if bevDir != "" {
		if err := os.MkdirAll(bevDir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", bevDir)
		}
		if err := view.WriteFile(filepath.Join(bevDir, id+".png"), points, numFeatures, results); err != nil {
			return err
		}
	}
	if densityDir == "" {
		return nil
	}
	if err := os.MkdirAll(densityDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", densityDir)
	}
	density, err := view.Density(points, numFeatures)
	if err != nil {
		return err
	}
	w, h := view.Size()
	gray, err := visualize.Heatmap(density, h, w)
	if err != nil {
		return err
	}
	thumb := visualize.Thumbnail(gray, 256)
	path := filepath.Join(densityDir, id+".png")
	if jet {
		raw, err := visualize.ColorizePNG(thumb)
		if err != nil {
			return err
		}
		return errors.Wrapf(os.WriteFile(path, raw, 0o644), "write %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create density thumbnail")
	}
	defer f.Close()
	return visualize.WritePNG(f, thumb)
}
