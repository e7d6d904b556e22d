package memory

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory. Either way turns are PII-redacted before they are stored.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewRedactingStore(NewInMemoryStore()), nil
	}
	pg, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return NewRedactingStore(pg), nil
}
