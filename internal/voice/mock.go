package voice

import (
	"context"
	"sync"

	"github.com/ent0n29/avatarchat/internal/audio"
)

// MockTranscriber is a local fallback used when no speech-to-text backend is configured.
type MockTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func NewMockTranscriber(text string) *MockTranscriber {
	return &MockTranscriber{text: text}
}

// SetResult changes what subsequent calls return.
func (m *MockTranscriber) SetResult(text string, err error) {
	m.mu.Lock()
	m.text, m.err = text, err
	m.mu.Unlock()
}

func (m *MockTranscriber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockTranscriber) Transcribe(ctx context.Context, clip audio.Clip) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return Transcript{}, m.err
	}
	text := m.text
	if len(clip.Data) == 0 {
		text = ""
	}
	return Transcript{Text: text, Provider: "mock"}, nil
}
