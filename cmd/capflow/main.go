// Command capflow is the operator CLI: submit, inspect, signal, and cancel
// workflow runs through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"
)

func main() {
	apiFlag := &cli.StringFlag{
		Name:    "api-url",
		Usage:   "Base URL of the capflow API",
		Value:   "http://localhost:9091",
		Sources: cli.EnvVars("CAPFLOW_API_URL"),
	}

	command := &cli.Command{
		Name:                  "capflow",
		Usage:                 "Submit and manage capacity workflow runs",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:    "analyze",
				Aliases: []string{"a"},
				Usage:   "Submit a bulk analysis run",
				Flags: []cli.Flag{
					apiFlag,
					&cli.StringSliceFlag{
						Name:  "namespace",
						Usage: "Restrict the analysis to these namespaces (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "exclude",
						Usage: "Skip these namespaces (repeatable)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return submitAnalysis(ctx, newClient(cmd.String("api-url")),
						cmd.StringSlice("namespace"), cmd.StringSlice("exclude"))
				},
			},
			{
				Name:    "schedule-change",
				Aliases: []string{"sc"},
				Usage:   "Submit a scheduled capacity change run",
				Flags: []cli.Flag{
					apiFlag,
					&cli.StringFlag{
						Name:     "namespace",
						Usage:    "Namespace to provision",
						Required: true,
					},
					&cli.IntFlag{
						Name:     "trus",
						Usage:    "Desired TRU count",
						Required: true,
					},
					&cli.TimestampFlag{
						Name:  "end-time",
						Usage: "When to revert to on-demand (RFC 3339)",
						Config: cli.TimestampConfig{
							Layouts: []string{time.RFC3339},
						},
					},
					&cli.DurationFlag{
						Name:  "verify-delay",
						Usage: "Settle time before verification reads",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					var endTime *time.Time
					if t := cmd.Timestamp("end-time"); !t.IsZero() {
						endTime = &t
					}

					return submitChange(ctx, newClient(cmd.String("api-url")),
						cmd.String("namespace"), cmd.Int("trus"), endTime, cmd.Duration("verify-delay"))
				},
			},
			{
				Name:      "status",
				Usage:     "Show a run's status and result",
				ArgsUsage: "<run-id>",
				Flags:     []cli.Flag{apiFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return showStatus(ctx, newClient(cmd.String("api-url")), cmd.Args().First())
				},
			},
			{
				Name:      "query",
				Usage:     "Run a named query against a run",
				ArgsUsage: "<run-id> <query-name>",
				Flags:     []cli.Flag{apiFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runQuery(ctx, newClient(cmd.String("api-url")),
						cmd.Args().Get(0), cmd.Args().Get(1))
				},
			},
			{
				Name:      "signal",
				Usage:     "Deliver a signal to a run",
				ArgsUsage: "<run-id> <signal-name>",
				Flags: []cli.Flag{
					apiFlag,
					&cli.StringFlag{
						Name:  "payload",
						Usage: "JSON payload for the signal",
						Value: "{}",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return sendSignal(ctx, newClient(cmd.String("api-url")),
						cmd.Args().Get(0), cmd.Args().Get(1), cmd.String("payload"))
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a running run",
				ArgsUsage: "<run-id>",
				Flags: []cli.Flag{
					apiFlag,
					&cli.StringFlag{
						Name:  "reason",
						Usage: "Why the run is being cancelled",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return cancelRun(ctx, newClient(cmd.String("api-url")),
						cmd.Args().First(), cmd.String("reason"))
				},
			},
			{
				Name:  "list",
				Usage: "List runs",
				Flags: []cli.Flag{
					apiFlag,
					&cli.StringFlag{
						Name:  "type",
						Usage: "Filter by workflow type",
					},
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return listRuns(ctx, newClient(cmd.String("api-url")),
						cmd.String("type"), cmd.String("status"))
				},
			},
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
