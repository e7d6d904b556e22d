package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/avatarchat/internal/conversation"
)

// MockAdapter provides deterministic local replies when no model is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	text := buildMockReply(req.Messages)
	for _, delta := range splitMockReply(text) {
		if onDelta == nil {
			continue
		}
		if err := onDelta(delta); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text, Provider: "mock"}, nil
}

func buildMockReply(msgs []conversation.Message) string {
	var last string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleUser {
			last = strings.TrimSpace(msgs[i].Content)
			break
		}
	}
	if last == "" {
		return "어서 오세요, 당신의 별을 읽어드릴게요."
	}
	return fmt.Sprintf("음... \"%s\"라고 하셨군요. 오늘은 마음의 소리를 따라가 보세요.", last)
}

func splitMockReply(text string) []string {
	i := strings.Index(text, " ")
	if i <= 0 {
		return []string{text}
	}
	return []string{text[:i+1], text[i+1:]}
}
