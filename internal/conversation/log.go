// Package conversation holds the ordered transcript of an avatar session.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is the role+content projection sent to a language model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Log is an append-only conversation log. Only Clear removes turns.
type Log struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

func NewLog() *Log {
	return &Log{now: time.Now}
}

// Append records a new turn and returns it.
func (l *Log) Append(role Role, content string) Turn {
	turn := Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: l.now().UTC(),
	}
	l.mu.Lock()
	l.turns = append(l.turns, turn)
	l.mu.Unlock()
	return turn
}

// Turns returns a copy in insertion order.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Messages projects the full history to role+content pairs.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.turns))
	for i, t := range l.turns {
		out[i] = Message{Role: t.Role, Content: t.Content}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

func (l *Log) Clear() {
	l.mu.Lock()
	l.turns = nil
	l.mu.Unlock()
}

// Blank reports whether text has no content worth a turn.
func Blank(text string) bool {
	return strings.TrimSpace(text) == ""
}
