package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/persistence/file"
	"github.com/dukex/conduit/pkg/persistence/postgresql"
	"github.com/dukex/conduit/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewPersistence opens the store named by databaseURL. When redisURL is set,
// breaker and rate limit state move to redis on top of it.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, redisURL string) (persistence.Persistence, error) {
	var (
		base persistence.Persistence
		err  error
	)

	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		base, err = postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgresql persistence: %w", err)
		}
	default:
		base = file.NewPersistence(databaseURL)
	}

	if redisURL == "" {
		return base, nil
	}

	client, err := redis.Connect(ctx, redisURL)
	if err != nil {
		_ = base.Close(ctx)

		return nil, err
	}

	logger.InfoContext(ctx, "using redis for breaker and rate limit state")

	return redis.New(base, client), nil
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
