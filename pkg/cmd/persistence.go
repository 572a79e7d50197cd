package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence/file"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence/postgresql"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql", "redis", "rediss"}

// NewPersistence opens the archive named by databaseURL. An empty URL means
// no archive and returns nil. Unknown schemes are treated as file paths.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	if databaseURL == "" {
		return nil, nil //nolint:nilnil // no archive configured
	}

	provider := parsePersistenceProvider(databaseURL)

	logger.InfoContext(ctx, "opening persistence", "provider", provider)

	switch provider {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgresql persistence: %w", err)
		}

		return store, nil
	case "redis", "rediss":
		store, err := redis.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis persistence: %w", err)
		}

		return store, nil
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")
	if len(parts) < 2 {
		return "file"
	}

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
