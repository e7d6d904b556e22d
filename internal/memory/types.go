package memory

import (
	"context"
	"time"
)

// TurnRecord stores a single user or assistant turn of an avatar session.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists conversation transcripts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentTurns returns up to limit of the user's latest turns, oldest first.
	RecentTurns(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	Close() error
}
