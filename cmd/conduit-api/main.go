package main

import (
	"context"
	"os"
	"slices"

	"github.com/dukex/conduit/pkg/cmd"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/metrics"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	flags := slices.Concat(
		[]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		},
		cmd.PersistenceFlags(),
		cmd.EventBusFlags(),
		cmd.LogFlags(),
		cmd.ResilienceFlags(),
	)

	command := &cli.Command{
		Name:                  "conduit-api",
		Usage:                 "Receive commerce webhooks and run automation rules",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Conduit API")

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

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "conduit-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			opts := []cmd.Option{cmd.WithMetrics(metrics.New(registry))}

			if command.Bool("tracing") {
				tracer, shutdown, err := otelhelper.NewTracer(ctx, "conduit-api")
				if err != nil {
					return err
				}

				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.ErrorContext(ctx, "Failed to shut down tracer", "error", err)
					}
				}()

				opts = append(opts, cmd.WithTracer(tracer))
			}

			services := cmd.NewServices(persistence, eventBus, cmd.ConfigFromCommand(command), logger, opts...)
			defer func() {
				if err := services.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close services", "error", err)
				}
			}()

			api := NewAPI(logger, services, registry)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
