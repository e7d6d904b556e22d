package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/avatarchat/internal/audio"
	"github.com/ent0n29/avatarchat/internal/avatar"
	"github.com/ent0n29/avatarchat/internal/brain"
	"github.com/ent0n29/avatarchat/internal/config"
	"github.com/ent0n29/avatarchat/internal/httpapi"
	"github.com/ent0n29/avatarchat/internal/memory"
	"github.com/ent0n29/avatarchat/internal/observability"
	"github.com/ent0n29/avatarchat/internal/session"
	"github.com/ent0n29/avatarchat/internal/signaling"
)

// maxRecording bounds one push-to-talk clip.
const maxRecording = 2 * time.Minute

type ProviderInfo struct {
	STT       string
	STTDetail string
	Brain     string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Info     ProviderInfo

	// Cleanup should be called on shutdown to release external resources (DB).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	metrics.SetLatencyTargets(cfg.LatencyTargets)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	adapter, err := brain.NewAdapter(ctx, brain.Config{
		Provider:     cfg.BrainProvider,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.BrainMaxTokens,
		Temperature:  cfg.BrainTemperature,
		ProxyURL:     cfg.BrainProxyURL,
		GroqAPIKey:   cfg.GroqAPIKey,
		GroqBaseURL:  cfg.GroqBaseURL,
		GroqModel:    cfg.GroqModel,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	stt, err := resolveTranscriber(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var provider signaling.Client
	if cfg.DIDAPIKey != "" {
		provider = signaling.NewDIDClient(signaling.DIDConfig{
			BaseURL:          cfg.DIDAPIURL,
			APIKey:           cfg.DIDAPIKey,
			ElevenLabsAPIKey: cfg.ElevenLabsAPIKey,
		}, logger)
	} else {
		logger.Warn("DID_API_KEY not set; avatar connects will fail until configured")
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, func(s session.Session) session.Runtime {
		capture := audio.NewStreamCapture(maxRecording)
		o := avatar.New(avatar.Config{
			AgentID:      cfg.DIDAgentID,
			VoiceID:      s.VoiceID,
			SystemPrompt: s.SystemPrompt,
			UserID:       s.UserID,
			SessionID:    s.ID,
		}, avatar.Deps{
			Signaling:   provider,
			Transcriber: stt.transcriber,
			Brain:       adapter,
			Capture:     capture,
			Store:       store,
			Metrics:     metrics,
			Logger:      logger,
		})
		return session.Runtime{Avatar: o, Capture: capture}
	}, logger)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	api := httpapi.New(cfg, sessions, provider, store, metrics)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Info: ProviderInfo{
			STT:       stt.provider,
			STTDetail: stt.detail,
			Brain:     cfg.BrainProvider,
		},
		Cleanup: func() error {
			sessions.Shutdown()
			return store.Close()
		},
	}, nil
}
