// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"time"

	"github.com/dukex/conduit/pkg/breaker"
	"github.com/dukex/conduit/pkg/liveness"
	"github.com/dukex/conduit/pkg/retry"
	cli "github.com/urfave/cli/v3"
)

const DefaultMappingTTL = 5 * time.Minute

// Config carries the tunables shared by every binary.
type Config struct {
	Breaker    breaker.Config
	Retry      retry.Policy
	Liveness   liveness.Config
	MappingTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Breaker:    breaker.DefaultConfig(),
		Retry:      retry.DefaultPolicy(),
		Liveness:   liveness.DefaultConfig(),
		MappingTTL: DefaultMappingTTL,
	}
}

func PersistenceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (file://path or postgres://...)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for breaker and rate limit state (optional)",
			Sources: cli.EnvVars("REDIS_URL"),
		},
	}
}

func EventBusFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
	}
}

func LogFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
	}
}

// ResilienceFlags configure the breaker, retry policy, liveness threshold and mapping cache.
func ResilienceFlags() []cli.Flag {
	defaults := DefaultConfig()

	return []cli.Flag{
		&cli.IntFlag{
			Name:    "breaker-threshold",
			Usage:   "Failures within the failure period that open the circuit",
			Value:   defaults.Breaker.FailureThreshold,
			Sources: cli.EnvVars("BREAKER_FAILURE_THRESHOLD"),
		},
		&cli.DurationFlag{
			Name:    "breaker-period",
			Usage:   "Window in which failures are counted",
			Value:   defaults.Breaker.FailurePeriod,
			Sources: cli.EnvVars("BREAKER_FAILURE_PERIOD"),
		},
		&cli.DurationFlag{
			Name:    "breaker-cooldown",
			Usage:   "Base time an open circuit waits before a trial request",
			Value:   defaults.Breaker.Cooldown,
			Sources: cli.EnvVars("BREAKER_COOLDOWN"),
		},
		&cli.StringFlag{
			Name:    "breaker-growth",
			Usage:   "Cooldown growth across consecutive trips (fixed, exponential)",
			Value:   string(defaults.Breaker.Growth),
			Sources: cli.EnvVars("BREAKER_COOLDOWN_GROWTH"),
		},
		&cli.DurationFlag{
			Name:    "breaker-max-cooldown",
			Usage:   "Upper bound of a grown cooldown",
			Value:   defaults.Breaker.MaxCooldown,
			Sources: cli.EnvVars("BREAKER_MAX_COOLDOWN"),
		},
		&cli.DurationFlag{
			Name:    "breaker-trial-timeout",
			Usage:   "How long a half open trial holds the circuit",
			Value:   defaults.Breaker.TrialTimeout,
			Sources: cli.EnvVars("BREAKER_TRIAL_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "retry-max-attempts",
			Usage:   "Delivery attempts per action, first attempt included",
			Value:   defaults.Retry.MaxAttempts,
			Sources: cli.EnvVars("RETRY_MAX_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "retry-base-delay",
			Usage:   "Delay before the first retry",
			Value:   defaults.Retry.BaseDelay,
			Sources: cli.EnvVars("RETRY_BASE_DELAY"),
		},
		&cli.DurationFlag{
			Name:    "retry-max-delay",
			Usage:   "Upper bound of the backoff delay",
			Value:   defaults.Retry.MaxDelay,
			Sources: cli.EnvVars("RETRY_MAX_DELAY"),
		},
		&cli.DurationFlag{
			Name:    "retry-max-jitter",
			Usage:   "Random delay added to every backoff",
			Value:   defaults.Retry.MaxJitter,
			Sources: cli.EnvVars("RETRY_MAX_JITTER"),
		},
		&cli.DurationFlag{
			Name:    "stale-threshold",
			Usage:   "Heartbeat age after which a connected instance is disconnected",
			Value:   defaults.Liveness.StaleThreshold,
			Sources: cli.EnvVars("STALE_THRESHOLD"),
		},
		&cli.DurationFlag{
			Name:    "mapping-ttl",
			Usage:   "How long provider mapping overrides are cached",
			Value:   defaults.MappingTTL,
			Sources: cli.EnvVars("MAPPING_CACHE_TTL"),
		},
	}
}

// ConfigFromCommand reads the flags of ResilienceFlags.
func ConfigFromCommand(command *cli.Command) Config {
	config := DefaultConfig()

	config.Breaker.FailureThreshold = command.Int("breaker-threshold")
	config.Breaker.FailurePeriod = command.Duration("breaker-period")
	config.Breaker.Cooldown = command.Duration("breaker-cooldown")
	config.Breaker.Growth = breaker.CooldownGrowth(command.String("breaker-growth"))
	config.Breaker.MaxCooldown = command.Duration("breaker-max-cooldown")
	config.Breaker.TrialTimeout = command.Duration("breaker-trial-timeout")

	config.Retry.MaxAttempts = command.Int("retry-max-attempts")
	config.Retry.BaseDelay = command.Duration("retry-base-delay")
	config.Retry.MaxDelay = command.Duration("retry-max-delay")
	config.Retry.MaxJitter = command.Duration("retry-max-jitter")

	config.Liveness.StaleThreshold = command.Duration("stale-threshold")
	config.MappingTTL = command.Duration("mapping-ttl")

	return config
}
