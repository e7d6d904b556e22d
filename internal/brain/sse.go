package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/avatarchat/internal/conversation"
	"github.com/ent0n29/avatarchat/internal/reliability"
)

// Format selects the request body and chunk shape of an SSE endpoint.
type Format string

const (
	// FormatProxy posts {messages, systemPrompt} and reads data: {"content": "..."}.
	FormatProxy Format = "proxy"
	// FormatOpenAI speaks the chat completions streaming protocol (Groq, OpenAI).
	FormatOpenAI Format = "openai"
)

const doneMarker = "[DONE]"

type SSEConfig struct {
	Name        string
	URL         string
	APIKey      string
	Model       string
	Format      Format
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// StatusError is a non-2xx response from a language-model endpoint.
type StatusError struct {
	Provider  string
	Status    int
	Body      string
	Retryable bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Status, e.Body)
}

// SSEAdapter consumes a server-sent-events text stream.
type SSEAdapter struct {
	cfg    SSEConfig
	client *http.Client
}

func NewSSEAdapter(cfg SSEConfig) *SSEAdapter {
	if cfg.Name == "" {
		cfg.Name = string(cfg.Format)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &SSEAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

func (a *SSEAdapter) body(req Request) any {
	if a.cfg.Format != FormatOpenAI {
		return req
	}
	msgs := make([]openAIMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	return openAIRequest{
		Model:       a.cfg.Model,
		Messages:    msgs,
		Stream:      true,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	}
}

func (a *SSEAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if req.Messages == nil {
		req.Messages = []conversation.Message{}
	}
	payload, err := json.Marshal(a.body(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, &StatusError{
			Provider:  a.cfg.Name,
			Status:    res.StatusCode,
			Body:      strings.TrimSpace(string(body)),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	if ct := strings.ToLower(res.Header.Get("Content-Type")); strings.Contains(ct, "application/json") {
		return a.consumeJSON(res.Body, onDelta)
	}
	return a.consumeSSE(res.Body, onDelta)
}

// consumeSSE reads data lines until the done marker or EOF. Lines that do not
// parse are skipped.
func (a *SSEAdapter) consumeSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == doneMarker {
			break
		}
		delta, ok := a.extractDelta([]byte(data))
		if !ok || delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String(), Provider: a.cfg.Name}, nil
}

func (a *SSEAdapter) consumeJSON(body io.Reader, onDelta DeltaHandler) (Response, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	var obj struct {
		Content string `json:"content"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	text := obj.Content
	if text == "" && len(obj.Choices) > 0 {
		text = obj.Choices[0].Message.Content
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text, Provider: a.cfg.Name}, nil
}

func (a *SSEAdapter) extractDelta(data []byte) (string, bool) {
	if a.cfg.Format == FormatOpenAI {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil {
			return "", false
		}
		if len(chunk.Choices) == 0 {
			return "", true
		}
		return chunk.Choices[0].Delta.Content, true
	}

	var chunk struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false
	}
	return chunk.Content, true
}
