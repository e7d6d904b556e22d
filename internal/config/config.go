package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the avatar chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogFormat                string

	AllowAnyOrigin bool

	DIDAPIKey  string
	DIDAPIURL  string
	DIDAgentID string
	DIDVoiceID string
	// IdleVideoURL overrides the presenter idle loop reported by the agent.
	IdleVideoURL      string
	IdleVideoCacheTTL time.Duration

	STTProvider        string
	STTHTTPURL         string
	ElevenLabsAPIKey   string
	ElevenLabsBaseURL  string
	ElevenLabsSTTModel string

	BrainProvider    string
	SystemPrompt     string
	BrainProxyURL    string
	GroqAPIKey       string
	GroqBaseURL      string
	GroqModel        string
	GeminiAPIKey     string
	GeminiModel      string
	BrainMaxTokens   int
	BrainTemperature float64

	DatabaseURL string

	// LatencyTargets overrides per-stage p95 targets reported by
	// /v1/perf/latency.
	LatencyTargets map[string]time.Duration
}

type binding struct {
	env      string
	fallback any
}

var bindings = []binding{
	{"APP_BIND_ADDR", ":8080"},
	{"APP_SHUTDOWN_TIMEOUT", "15s"},
	{"APP_SESSION_INACTIVITY_TIMEOUT", "10m"},
	{"APP_METRICS_NAMESPACE", "avatarchat"},
	{"APP_ALLOW_ANY_ORIGIN", "false"},
	{"LOG_LEVEL", "info"},
	{"LOG_FORMAT", "json"},
	{"DID_API_KEY", ""},
	{"DID_API_URL", "https://api.d-id.com"},
	{"DID_AGENT_ID", ""},
	{"DID_VOICE_ID", ""},
	{"DID_IDLE_VIDEO", ""},
	{"DID_IDLE_VIDEO_CACHE_TTL", "1h"},
	{"STT_PROVIDER", "auto"},
	{"STT_HTTP_URL", ""},
	{"ELEVENLABS_API_KEY", ""},
	{"ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"},
	{"ELEVENLABS_STT_MODEL_ID", "scribe_v1"},
	{"BRAIN_PROVIDER", "auto"},
	{"BRAIN_SYSTEM_PROMPT", ""},
	{"BRAIN_PROXY_URL", ""},
	{"GROQ_API_KEY", ""},
	{"GROQ_BASE_URL", "https://api.groq.com/openai/v1"},
	{"GROQ_MODEL", "moonshotai/kimi-k2-instruct-0905"},
	{"GEMINI_API_KEY", ""},
	{"GEMINI_MODEL", "gemini-2.5-flash"},
	{"BRAIN_MAX_TOKENS", "150"},
	{"BRAIN_TEMPERATURE", "0.7"},
	{"DATABASE_URL", ""},
	{"PERF_LATENCY_TARGETS", ""},
}

// Load reads defaults, an optional YAML file named by AVATARCHAT_CONFIG and
// environment variables, in increasing priority.
func Load() (Config, error) {
	v := viper.New()
	for _, b := range bindings {
		key := strings.ToLower(b.env)
		v.SetDefault(key, b.fallback)
		if err := v.BindEnv(key, b.env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", b.env, err)
		}
	}

	if path := strings.TrimSpace(os.Getenv("AVATARCHAT_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("AVATARCHAT_CONFIG %q not found", path)
			}
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	get := func(env string) string {
		return strings.TrimSpace(v.GetString(strings.ToLower(env)))
	}

	cfg := Config{
		BindAddr:           get("APP_BIND_ADDR"),
		MetricsNamespace:   get("APP_METRICS_NAMESPACE"),
		LogLevel:           strings.ToLower(get("LOG_LEVEL")),
		LogFormat:          strings.ToLower(get("LOG_FORMAT")),
		DIDAPIKey:          get("DID_API_KEY"),
		DIDAPIURL:          strings.TrimRight(get("DID_API_URL"), "/"),
		DIDAgentID:         get("DID_AGENT_ID"),
		DIDVoiceID:         get("DID_VOICE_ID"),
		IdleVideoURL:       get("DID_IDLE_VIDEO"),
		STTProvider:        strings.ToLower(get("STT_PROVIDER")),
		STTHTTPURL:         get("STT_HTTP_URL"),
		ElevenLabsAPIKey:   get("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:  strings.TrimRight(get("ELEVENLABS_BASE_URL"), "/"),
		ElevenLabsSTTModel: get("ELEVENLABS_STT_MODEL_ID"),
		BrainProvider:      strings.ToLower(get("BRAIN_PROVIDER")),
		SystemPrompt:       v.GetString("brain_system_prompt"),
		BrainProxyURL:      get("BRAIN_PROXY_URL"),
		GroqAPIKey:         get("GROQ_API_KEY"),
		GroqBaseURL:        strings.TrimRight(get("GROQ_BASE_URL"), "/"),
		GroqModel:          get("GROQ_MODEL"),
		GeminiAPIKey:       get("GEMINI_API_KEY"),
		GeminiModel:        get("GEMINI_MODEL"),
		DatabaseURL:        get("DATABASE_URL"),
	}

	var err error
	if cfg.ShutdownTimeout, err = parseDuration("APP_SHUTDOWN_TIMEOUT", get("APP_SHUTDOWN_TIMEOUT")); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = parseDuration("APP_SESSION_INACTIVITY_TIMEOUT", get("APP_SESSION_INACTIVITY_TIMEOUT")); err != nil {
		return Config{}, err
	}
	if cfg.IdleVideoCacheTTL, err = parseDuration("DID_IDLE_VIDEO_CACHE_TTL", get("DID_IDLE_VIDEO_CACHE_TTL")); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = parseBool("APP_ALLOW_ANY_ORIGIN", get("APP_ALLOW_ANY_ORIGIN")); err != nil {
		return Config{}, err
	}
	if cfg.BrainMaxTokens, err = parseInt("BRAIN_MAX_TOKENS", get("BRAIN_MAX_TOKENS")); err != nil {
		return Config{}, err
	}
	if cfg.BrainTemperature, err = parseFloat("BRAIN_TEMPERATURE", get("BRAIN_TEMPERATURE")); err != nil {
		return Config{}, err
	}

	if cfg.LatencyTargets, err = parseTargets("PERF_LATENCY_TARGETS", get("PERF_LATENCY_TARGETS")); err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.BrainMaxTokens <= 0 {
		return Config{}, fmt.Errorf("BRAIN_MAX_TOKENS must be positive")
	}
	if cfg.BrainTemperature < 0 || cfg.BrainTemperature > 2 {
		return Config{}, fmt.Errorf("BRAIN_TEMPERATURE must be within [0, 2]")
	}
	switch cfg.STTProvider {
	case "auto", "elevenlabs", "elevenlabs_realtime", "http", "mock":
	default:
		return Config{}, fmt.Errorf("invalid STT_PROVIDER: %q (expected auto|elevenlabs|elevenlabs_realtime|http|mock)", cfg.STTProvider)
	}
	switch cfg.BrainProvider {
	case "auto", "groq", "gemini", "proxy", "mock":
	default:
		return Config{}, fmt.Errorf("invalid BRAIN_PROVIDER: %q (expected auto|groq|gemini|proxy|mock)", cfg.BrainProvider)
	}

	return cfg, nil
}

// SetupLogging installs the process-wide slog logger.
func SetupLogging(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

// parseTargets reads "stage=duration" pairs separated by commas.
func parseTargets(key, v string) (map[string]time.Duration, error) {
	if v == "" {
		return nil, nil
	}
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(v, ",") {
		stage, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		stage = strings.TrimSpace(stage)
		if !ok || stage == "" {
			return nil, fmt.Errorf("%s: %q is not stage=duration", key, pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s: invalid target for %s: %q", key, stage, raw)
		}
		out[stage] = d
	}
	return out, nil
}

func parseInt(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func parseFloat(key, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func parseBool(key, v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
