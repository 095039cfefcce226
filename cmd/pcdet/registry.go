package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/models"
	"github.com/nvr-ai/go-pcdet/runstore"
)

func registryCmd() *cli.Command {
	return &cli.Command{
		Name:  "registry",
		Usage: "List the detectors and whether they can be built",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tIMPLEMENTED")
			for _, name := range models.Detectors.Names() {
				_, _ = fmt.Fprintf(tw, "%s\t%v\n", name, models.Detectors.Implemented(name))
			}
			return tw.Flush()
		},
	}
}

func configCmd() *cli.Command {
	var path string
	return &cli.Command{
		Name:  "config",
		Usage: "Validate a model YAML and print it with defaults applied",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Required:    true,
				Destination: &path,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			raw, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(raw)
			return err
		},
	}
}

func runsCmd() *cli.Command {
	var (
		db   string
		kind string
	)
	return &cli.Command{
		Name:  "runs",
		Usage: "List recorded training and evaluation runs with their latest metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db",
				Value:       "output/runs.db",
				Destination: &db,
			},
			&cli.StringFlag{
				Name:        "kind",
				Usage:       "train or eval; empty lists both",
				Destination: &kind,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			store, err := runstore.Open(db)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.Runs(ctx, kind)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tKIND\tMODEL\tSTATUS\tSTARTED\tMETRICS")
			for _, r := range runs {
				latest, err := store.Latest(ctx, r.ID)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Kind, r.Model, r.Status, r.StartedAt.Format("2006-01-02 15:04"), summary(latest))
			}
			return tw.Flush()
		},
	}
}

// summary prints the headline metrics of a run.
func summary(m map[string]float64) string {
	for _, k := range []string{"map_r40", "loss"} {
		if v, ok := m[k]; ok {
			return fmt.Sprintf("%s=%.4f", k, v)
		}
	}
	return "-"
}
