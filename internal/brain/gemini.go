package brain

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/avatarchat/internal/conversation"
)

type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

type generateStreamFunc func(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) iter.Seq2[*genai.GenerateContentResponse, error]

// GeminiAdapter streams replies from the Gemini API.
type GeminiAdapter struct {
	cfg    GeminiConfig
	stream generateStreamFunc
}

func NewGeminiAdapter(ctx context.Context, cfg GeminiConfig) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiAdapter(cfg, client.Models.GenerateContentStream), nil
}

func newGeminiAdapter(cfg GeminiConfig, stream generateStreamFunc) *GeminiAdapter {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	return &GeminiAdapter{cfg: cfg, stream: stream}
}

func (a *GeminiAdapter) contents(msgs []conversation.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var role genai.Role = genai.RoleUser
		if m.Role == conversation.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}

func (a *GeminiAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(a.cfg.MaxTokens),
		Temperature:     genai.Ptr(float32(a.cfg.Temperature)),
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	var out strings.Builder
	for resp, err := range a.stream(ctx, a.cfg.Model, a.contents(req.Messages), config) {
		if err != nil {
			return Response{}, fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}
		delta := resp.Text()
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: out.String(), Provider: "gemini"}, nil
}
