package memory

import (
	"context"
	"strings"
)

// NewStore opens Postgres when a database URL is configured and falls back to
// the in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// Mode names the backend behind store for readiness reporting.
func Mode(store Store) string {
	switch store.(type) {
	case nil:
		return "disabled"
	case *PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}
