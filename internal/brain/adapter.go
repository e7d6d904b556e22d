package brain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/avatarchat/internal/conversation"
)

// Request carries the full ordered history plus an optional system prompt
// override. Ids and timestamps never leave the process.
type Request struct {
	Messages     []conversation.Message `json:"messages"`
	SystemPrompt string                 `json:"systemPrompt,omitempty"`
}

// Response is the final text after the stream has been consumed.
type Response struct {
	Text     string `json:"text"`
	Provider string `json:"provider,omitempty"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter streams an assistant reply for a conversation.
type Adapter interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Provider     string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	ProxyURL string

	GroqAPIKey  string
	GroqBaseURL string
	GroqModel   string

	GeminiAPIKey string
	GeminiModel  string

	FirstDeltaTimeout time.Duration
}

// NewAdapter resolves the configured provider. In auto mode every configured
// backend joins a fallback chain in the order groq, gemini, proxy; with none
// configured the mock adapter answers.
func NewAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	var adapter Adapter
	switch provider {
	case "auto":
		var chain []Adapter
		if strings.TrimSpace(cfg.GroqAPIKey) != "" {
			chain = append(chain, newGroq(cfg))
		}
		if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
			gem, err := NewGeminiAdapter(ctx, GeminiConfig{
				APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel,
				MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature,
			})
			if err != nil {
				return nil, err
			}
			chain = append(chain, gem)
		}
		if strings.TrimSpace(cfg.ProxyURL) != "" {
			chain = append(chain, newProxy(cfg))
		}
		if len(chain) == 0 {
			adapter = NewMockAdapter()
			break
		}
		adapter = chain[len(chain)-1]
		for i := len(chain) - 2; i >= 0; i-- {
			adapter = NewFallbackAdapter(chain[i], adapter, cfg.FirstDeltaTimeout)
		}
	case "groq":
		if strings.TrimSpace(cfg.GroqAPIKey) == "" {
			return nil, fmt.Errorf("GROQ_API_KEY not configured")
		}
		adapter = newGroq(cfg)
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not configured")
		}
		gem, err := NewGeminiAdapter(ctx, GeminiConfig{
			APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel,
			MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		adapter = gem
	case "proxy":
		if strings.TrimSpace(cfg.ProxyURL) == "" {
			return nil, fmt.Errorf("BRAIN_PROXY_URL not configured")
		}
		adapter = newProxy(cfg)
	case "mock":
		adapter = NewMockAdapter()
	default:
		return nil, fmt.Errorf("unsupported brain provider %q", cfg.Provider)
	}

	prompt := cfg.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSystemPrompt
	}
	return WithSystemPrompt(adapter, prompt), nil
}

func newGroq(cfg Config) *SSEAdapter {
	base := strings.TrimRight(strings.TrimSpace(cfg.GroqBaseURL), "/")
	if base == "" {
		base = "https://api.groq.com/openai/v1"
	}
	return NewSSEAdapter(SSEConfig{
		Name:        "groq",
		URL:         base + "/chat/completions",
		APIKey:      cfg.GroqAPIKey,
		Model:       cfg.GroqModel,
		Format:      FormatOpenAI,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
}

func newProxy(cfg Config) *SSEAdapter {
	return NewSSEAdapter(SSEConfig{Name: "proxy", URL: cfg.ProxyURL, Format: FormatProxy})
}

type promptAdapter struct {
	next   Adapter
	prompt string
}

// WithSystemPrompt fills in prompt for requests that carry none.
func WithSystemPrompt(next Adapter, prompt string) Adapter {
	return &promptAdapter{next: next, prompt: prompt}
}

func (a *promptAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if strings.TrimSpace(req.SystemPrompt) == "" {
		req.SystemPrompt = a.prompt
	}
	return a.next.StreamResponse(ctx, req, onDelta)
}
