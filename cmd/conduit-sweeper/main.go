// Package main provides the liveness sweeper worker.
package main

import (
	"context"
	"os"
	"slices"

	"github.com/dukex/conduit/pkg/cmd"
	"github.com/dukex/conduit/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	flags := slices.Concat(
		[]cli.Flag{
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron expression of the liveness sweep",
				Value:   DefaultSchedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
		},
		cmd.PersistenceFlags(),
		cmd.EventBusFlags(),
		cmd.LogFlags(),
		cmd.ResilienceFlags(),
	)

	command := &cli.Command{
		Name:                  "conduit-sweeper",
		Usage:                 "Track messaging instance liveness",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("conduit-sweeper")
			logger.InfoContext(ctx, "Initializing Conduit Sweeper")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("redis-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "conduit-sweeper", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			services := cmd.NewServices(persistence, eventBus, cmd.ConfigFromCommand(command), logger)
			defer func() {
				if err := services.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close services", "error", err)
				}
			}()

			return NewSweeper(services.Tracker, eventBus, command.String("schedule"), logger).Run(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
