package memory

import (
	"context"

	"github.com/ent0n29/avatarchat/internal/policy"
)

type redactingStore struct {
	Store
}

// NewRedactingStore masks PII in turn content before delegating to next.
func NewRedactingStore(next Store) Store {
	return &redactingStore{Store: next}
}

func (s *redactingStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	redacted, changed := policy.RedactPII(record.Content)
	record.Content = redacted
	record.PIIRedacted = record.PIIRedacted || changed
	return s.Store.SaveTurn(ctx, record)
}
