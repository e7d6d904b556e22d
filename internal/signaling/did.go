package signaling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/avatarchat/internal/reliability"
)

const (
	DefaultBaseURL = "https://api.d-id.com"

	agentFetchAttempts = 3
)

// DIDConfig configures DIDClient.
type DIDConfig struct {
	BaseURL          string
	APIKey           string
	ElevenLabsAPIKey string
	Timeout          time.Duration
}

// DIDClient talks to the D-ID agents streams API.
type DIDClient struct {
	baseURL          string
	apiKey           string
	elevenLabsAPIKey string
	client           *http.Client
	logger           *slog.Logger

	retryBase time.Duration
	retryCap  time.Duration
}

func NewDIDClient(cfg DIDConfig, logger *slog.Logger) *DIDClient {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DIDClient{
		baseURL:          base,
		apiKey:           strings.TrimSpace(cfg.APIKey),
		elevenLabsAPIKey: strings.TrimSpace(cfg.ElevenLabsAPIKey),
		client:           &http.Client{Timeout: timeout},
		logger:           logger.With("component", "signaling"),
		retryBase:        250 * time.Millisecond,
		retryCap:         2 * time.Second,
	}
}

type createStreamRequest struct {
	CompatibilityMode string `json:"compatibility_mode"`
	Fluent            bool   `json:"fluent"`
	StreamWarmup      bool   `json:"stream_warmup"`
}

type createStreamResponse struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"session_id"`
	Offer      *SessionDescription `json:"offer"`
	JSEP       *SessionDescription `json:"jsep"`
	ICEServers []ICEServer         `json:"ice_servers"`
}

func (c *DIDClient) CreateSession(ctx context.Context, agentID string) (Stream, error) {
	const op = "create stream"
	body, err := c.do(ctx, op, http.MethodPost, c.agentPath(agentID, "streams"), createStreamRequest{
		CompatibilityMode: "auto",
		Fluent:            true,
		StreamWarmup:      true,
	}, false)
	if err != nil {
		return Stream{}, err
	}

	var res createStreamResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return Stream{}, &ProviderError{Op: op, Body: "decode response: " + err.Error()}
	}
	offer := res.Offer
	if offer == nil || strings.TrimSpace(offer.SDP) == "" {
		offer = res.JSEP
	}
	switch {
	case res.ID == "":
		return Stream{}, &ProviderError{Op: op, Body: "response missing id"}
	case res.SessionID == "":
		return Stream{}, &ProviderError{Op: op, Body: "response missing session_id"}
	case offer == nil || strings.TrimSpace(offer.SDP) == "":
		return Stream{}, &ProviderError{Op: op, Body: "response missing offer"}
	}
	if offer.Type == "" {
		offer.Type = "offer"
	}

	c.logger.Debug("stream created", "stream_id", res.ID, "ice_servers", len(res.ICEServers))
	return Stream{
		StreamID:   res.ID,
		SessionID:  res.SessionID,
		Offer:      *offer,
		ICEServers: res.ICEServers,
	}, nil
}

func (c *DIDClient) ExchangeMediaAnswer(ctx context.Context, agentID, streamID, sessionID string, answer SessionDescription) error {
	_, err := c.do(ctx, "sdp exchange", http.MethodPost, c.agentPath(agentID, "streams", streamID, "sdp"), map[string]any{
		"session_id": sessionID,
		"answer":     answer,
	}, false)
	return err
}

func (c *DIDClient) ExchangeCandidate(ctx context.Context, agentID, streamID, sessionID string, candidate *Candidate) error {
	payload := map[string]any{"session_id": sessionID}
	if candidate != nil {
		payload["candidate"] = candidate.Candidate
		payload["sdpMid"] = candidate.SDPMid
		payload["sdpMLineIndex"] = candidate.SDPMLineIndex
	}
	_, err := c.do(ctx, "ice exchange", http.MethodPost, c.agentPath(agentID, "streams", streamID, "ice"), payload, false)
	return err
}

type speechProvider struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

type speechScript struct {
	Type     string          `json:"type"`
	Input    string          `json:"input"`
	Provider *speechProvider `json:"provider,omitempty"`
}

func (c *DIDClient) RequestSpeech(ctx context.Context, agentID, streamID, sessionID, text, voiceID string) error {
	script := speechScript{Type: "text", Input: text}
	voiceID = strings.TrimSpace(voiceID)
	if voiceID != "" {
		script.Provider = &speechProvider{Type: "elevenlabs", VoiceID: voiceID}
	}
	_, err := c.do(ctx, "speak", http.MethodPost, c.agentPath(agentID, "streams", streamID), map[string]any{
		"session_id": sessionID,
		"script":     script,
	}, voiceID != "")
	return err
}

func (c *DIDClient) TerminateSession(ctx context.Context, agentID, streamID, sessionID string) bool {
	_, err := c.do(ctx, "delete stream", http.MethodDelete, c.agentPath(agentID, "streams", streamID), map[string]any{
		"session_id": sessionID,
	}, false)
	if err != nil {
		c.logger.Warn("terminate stream failed", "stream_id", streamID, "error", err)
		return false
	}
	return true
}

type agentResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PreviewName string `json:"preview_name"`
	Presenter   struct {
		IdleVideo string `json:"idle_video"`
		Thumbnail string `json:"thumbnail"`
	} `json:"presenter"`
}

func (c *DIDClient) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var body []byte
	err := reliability.Retry(ctx, agentFetchAttempts, c.retryBase, c.retryCap, isRetryable, func(ctx context.Context) error {
		var err error
		body, err = c.do(ctx, "get agent", http.MethodGet, c.agentPath(agentID), nil, false)
		return err
	})
	if err != nil {
		return Agent{}, err
	}

	var res agentResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return Agent{}, &ProviderError{Op: "get agent", Body: "decode response: " + err.Error()}
	}
	name := res.PreviewName
	if name == "" {
		name = res.Name
	}
	id := res.ID
	if id == "" {
		id = agentID
	}
	return Agent{
		ID:           id,
		Name:         name,
		IdleVideoURL: res.Presenter.IdleVideo,
		ThumbnailURL: res.Presenter.Thumbnail,
	}, nil
}

func isRetryable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return !errors.Is(err, ErrNotConfigured) && !errors.Is(err, context.Canceled)
}

func (c *DIDClient) agentPath(agentID string, rest ...string) string {
	parts := append([]string{c.baseURL, "agents", url.PathEscape(agentID)}, escapeAll(rest)...)
	return strings.Join(parts, "/")
}

func escapeAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = url.PathEscape(s)
	}
	return out
}

func (c *DIDClient) do(ctx context.Context, op, method, endpoint string, payload any, withElevenLabs bool) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("DID_API_KEY %w", ErrNotConfigured)
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.apiKey)))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withElevenLabs {
		if c.elevenLabsAPIKey != "" {
			external, _ := json.Marshal(map[string]string{"elevenlabs": c.elevenLabsAPIKey})
			req.Header.Set("x-api-key-external", string(external))
		} else {
			c.logger.Warn("voice id set without ELEVENLABS_API_KEY")
		}
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("d-id %s: %w", op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &ProviderError{
			Op:        op,
			Status:    res.StatusCode,
			Body:      strings.TrimSpace(string(body)),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}
	return body, nil
}
