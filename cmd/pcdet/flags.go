package main

import (
	"context"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/logging"
	"github.com/nvr-ai/go-pcdet/profiler"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
	profile    bool
)

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to the model YAML",
			Required:    true,
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error), overrides RUNTIME.LOG.LEVEL",
			Destination: &logLevel,
		},
		&cli.BoolFlag{
			Name:        "log-json",
			Usage:       "log JSON lines",
			Destination: &logJSON,
		},
		&cli.BoolFlag{
			Name:        "profile",
			Usage:       "report operation timings and memory, overrides RUNTIME.PROFILE",
			Destination: &profile,
		},
	}
}

// env is the state shared by the commands that load a model configuration.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	prof   *profiler.RuntimeProfiler
}

// setup loads the configuration and starts logging and, when enabled, the profiler.
func setup(ctx context.Context) (context.Context, *env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return ctx, nil, err
	}
	opts := cfg.Runtime.Log
	if logLevel != "" {
		opts.Level = logLevel
	}
	if logJSON {
		opts.JSON = true
	}
	e := &env{cfg: cfg, logger: logging.New(opts)}
	if profile || cfg.Runtime.Profile {
		e.prof = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{Logger: e.logger})
		e.prof.Start(ctx)
	}
	e.logger.Debug("config loaded", zap.String("path", configPath), zap.String("model", cfg.Model.Name))
	return logging.WithContext(ctx, e.logger), e, nil
}

func (e *env) close() {
	if e.prof != nil {
		e.prof.Stop()
		e.prof.Report()
	}
	_ = e.logger.Sync()
}
