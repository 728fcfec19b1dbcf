// Package cmd wires shared infrastructure for the gateflow binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/persistence/memory"
	"github.com/gateflow/gateflow/pkg/persistence/postgresql"
	"github.com/gateflow/gateflow/pkg/scoring"
)

// NewPersistence selects the storage backend from the database URL scheme.
// An empty URL keeps everything in memory, which is only suitable for
// development and tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch persistenceProvider(databaseURL) {
	case "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	default:
		logger.Warn("no database URL configured, using in-memory persistence")

		return memory.NewPersistence(), nil
	}
}

// NewScoringStore selects the actor-score backend from the Redis URL. Scores
// are advisory, so losing them on restart is tolerable without Redis.
func NewScoringStore(ctx context.Context, logger *slog.Logger, redisURL string) (scoring.Store, error) {
	if redisURL == "" {
		logger.Warn("no Redis URL configured, actor scores will not survive restarts")

		return scoring.NewMemoryStore(), nil
	}

	store, err := scoring.NewRedisStore(ctx, redisURL)
	if err != nil {
		return nil, err
	}

	return store, nil
}

func persistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "memory"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgresql"
	default:
		return "memory"
	}
}
