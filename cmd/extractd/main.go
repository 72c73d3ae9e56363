package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"extractd/cmd/extractd/commands"
	"extractd/internal/job"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cli.Command{
		Name:  "extractd",
		Usage: "background extraction job scheduler",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the scheduler daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "config file path (JSON or YAML)",
						Value: "./config.yaml",
					},
					&cli.StringFlag{
						Name:  "env",
						Usage: "dotenv file path",
						Value: ".env",
					},
				},
				Action: commands.ServeAction,
			},
			{
				Name:  "enqueue",
				Usage: "submit an extraction job for a topic",
				Flags: commands.ClientFlags(
					topicFlag(),
					&cli.IntFlag{
						Name:  "priority",
						Usage: "job priority, 1 (lowest) to 10 (highest)",
						Value: job.DefaultPriority,
					},
					&cli.StringFlag{
						Name:  "requester",
						Usage: "who asked for the job",
					},
				),
				Action: commands.EnqueueAction,
			},
			{
				Name:   "status",
				Usage:  "show the latest job for a topic",
				Flags:  commands.ClientFlags(topicFlag(), jsonFlag()),
				Action: commands.StatusAction,
			},
			{
				Name:   "retry",
				Usage:  "retry the failed job for a topic",
				Flags:  commands.ClientFlags(topicFlag()),
				Action: commands.RetryAction,
			},
			{
				Name:   "health",
				Usage:  "show scheduler health",
				Flags:  commands.ClientFlags(jsonFlag()),
				Action: commands.HealthAction,
			},
			{
				Name:  "refresh",
				Usage: "run a topic refresh now",
				Flags: commands.ClientFlags(
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "only list the topics that would be queued",
					},
				),
				Action: commands.RefreshAction,
			},
		},
	}

	if err := root.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "extractd:", err)
		os.Exit(1)
	}
}

func topicFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "topic",
		Usage:    "topic to extract",
		Required: true,
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "print raw JSON instead of a table",
	}
}
