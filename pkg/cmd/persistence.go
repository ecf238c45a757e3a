package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lainie-ftw/capflow/pkg/persistence"
	"github.com/lainie-ftw/capflow/pkg/persistence/memory"
	"github.com/lainie-ftw/capflow/pkg/persistence/postgresql"
	"github.com/lainie-ftw/capflow/pkg/persistence/sqlite"
	"github.com/lainie-ftw/capflow/pkg/timer/redisstore"
)

// NewPersistence dispatches on the URL scheme: postgres:// for shared
// deployments, sqlite:// for a single node, memory:// for development.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Store {
	scheme, rest, found := strings.Cut(databaseURL, "://")
	if !found {
		panic("database URL must carry a scheme: " + databaseURL)
	}

	switch scheme {
	case "postgres", "postgresql":
		store, err := postgresql.NewStore(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to open postgresql store: %w", err))
		}

		return store
	case "sqlite":
		store, err := sqlite.NewStore(ctx, logger, rest)
		if err != nil {
			panic(fmt.Errorf("failed to open sqlite store: %w", err))
		}

		return store
	case "memory":
		return memory.NewStore()
	default:
		panic("Unsupported persistence provider: " + scheme)
	}
}

// NewTimerStore returns the dedicated timer index when a redis:// URL is
// configured, or nil to sweep timers from the main store.
func NewTimerStore(ctx context.Context, redisURL string) persistence.TimerStore {
	if redisURL == "" {
		return nil
	}

	store, err := redisstore.NewStore(ctx, redisURL)
	if err != nil {
		panic(fmt.Errorf("failed to open redis timer store: %w", err))
	}

	return store
}
