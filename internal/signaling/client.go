package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotConfigured is wrapped by errors caused by a missing credential.
var ErrNotConfigured = errors.New("not configured")

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICEServer is a STUN/TURN server announced by the provider.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// UnmarshalJSON accepts urls as either a string or an array of strings.
func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil
	if len(raw.URLs) == 0 || string(raw.URLs) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.URLs, &single); err == nil {
		if single != "" {
			s.URLs = []string{single}
		}
		return nil
	}
	if err := json.Unmarshal(raw.URLs, &s.URLs); err != nil {
		return fmt.Errorf("ice server urls: %w", err)
	}
	return nil
}

// Stream is the result of a successful createSession call.
type Stream struct {
	StreamID   string
	SessionID  string
	Offer      SessionDescription
	ICEServers []ICEServer
}

// Candidate is a locally gathered connectivity candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Agent describes the configured avatar agent.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IdleVideoURL string `json:"idle_video_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Client is the avatar provider's signaling surface.
type Client interface {
	CreateSession(ctx context.Context, agentID string) (Stream, error)
	ExchangeMediaAnswer(ctx context.Context, agentID, streamID, sessionID string, answer SessionDescription) error
	// ExchangeCandidate forwards one candidate. A nil candidate signals end-of-candidates.
	ExchangeCandidate(ctx context.Context, agentID, streamID, sessionID string, candidate *Candidate) error
	RequestSpeech(ctx context.Context, agentID, streamID, sessionID, text, voiceID string) error
	TerminateSession(ctx context.Context, agentID, streamID, sessionID string) bool
	GetAgent(ctx context.Context, agentID string) (Agent, error)
}

// ProviderError is a non-success or malformed response from the provider.
type ProviderError struct {
	Op        string
	Status    int
	Body      string
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("d-id %s failed: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("d-id %s failed: %d - %s", e.Op, e.Status, e.Body)
}
