package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		slog.Error("vidprompt", "err", err)
		stop()
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "vidprompt",
		Usage: "edit videos from natural language prompts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config (defaults to $VIDPROMPT_CONFIG or config.yaml)",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before the config is expanded",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the job workers",
				Action: serveAction,
			},
			{
				Name:  "reconcile",
				Usage: "resolve jobs left unfinished by an interrupted process",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "policy",
						Usage: "fail or resume (defaults to recovery.policy)",
					},
					&cli.DurationFlag{
						Name:  "grace",
						Usage: "only touch jobs idle for longer than this (defaults to recovery.gracePeriod)",
					},
				},
				Action: reconcileAction,
			},
			{
				Name:  "job",
				Usage: "inspect jobs",
				Commands: []*cli.Command{
					{
						Name:  "show",
						Usage: "print a job as JSON",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "id",
								Usage:    "job id",
								Required: true,
							},
						},
						Action: jobShowAction,
					},
				},
			},
		},
	}
}
