package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/avatarchat/internal/config"
	"github.com/ent0n29/avatarchat/internal/voice"
)

type transcriberSetup struct {
	transcriber voice.Transcriber
	provider    string
	detail      string
}

func resolveTranscriber(cfg config.Config) (transcriberSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	if mode == "" {
		mode = "auto"
	}
	elevenCfg := voice.ElevenLabsConfig{
		APIKey:     cfg.ElevenLabsAPIKey,
		BaseURL:    cfg.ElevenLabsBaseURL,
		STTModelID: cfg.ElevenLabsSTTModel,
	}
	hasKey := strings.TrimSpace(cfg.ElevenLabsAPIKey) != ""
	hasURL := strings.TrimSpace(cfg.STTHTTPURL) != ""

	switch mode {
	case "elevenlabs":
		if !hasKey {
			return transcriberSetup{}, fmt.Errorf("STT_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		return transcriberSetup{
			transcriber: voice.NewElevenLabsTranscriber(elevenCfg),
			provider:    "elevenlabs",
			detail:      "elevenlabs batch",
		}, nil
	case "elevenlabs_realtime":
		if !hasKey {
			return transcriberSetup{}, fmt.Errorf("STT_PROVIDER=elevenlabs_realtime but ELEVENLABS_API_KEY is not set")
		}
		// The batch endpoint covers realtime socket failures.
		return transcriberSetup{
			transcriber: voice.NewFailoverTranscriber(
				voice.NewElevenLabsRealtimeTranscriber(elevenCfg),
				voice.NewElevenLabsTranscriber(elevenCfg),
			),
			provider: mode,
			detail:   "elevenlabs realtime (batch fallback)",
		}, nil
	case "http":
		if !hasURL {
			return transcriberSetup{}, fmt.Errorf("STT_PROVIDER=http but STT_HTTP_URL is not set")
		}
		return transcriberSetup{
			transcriber: voice.NewHTTPTranscriber(cfg.STTHTTPURL),
			provider:    "http",
			detail:      "http " + cfg.STTHTTPURL,
		}, nil
	case "mock":
		return transcriberSetup{
			transcriber: voice.NewMockTranscriber("hello"),
			provider:    "mock",
			detail:      "mock",
		}, nil
	case "auto":
		switch {
		case hasKey && hasURL:
			return transcriberSetup{
				transcriber: voice.NewFailoverTranscriber(
					voice.NewElevenLabsTranscriber(elevenCfg),
					voice.NewHTTPTranscriber(cfg.STTHTTPURL),
				),
				provider: "elevenlabs",
				detail:   "elevenlabs batch (automatic http fallback)",
			}, nil
		case hasKey:
			return transcriberSetup{
				transcriber: voice.NewElevenLabsTranscriber(elevenCfg),
				provider:    "elevenlabs",
				detail:      "elevenlabs batch",
			}, nil
		case hasURL:
			return transcriberSetup{
				transcriber: voice.NewHTTPTranscriber(cfg.STTHTTPURL),
				provider:    "http",
				detail:      "http " + cfg.STTHTTPURL,
			}, nil
		}
		return transcriberSetup{
			transcriber: voice.NewMockTranscriber("hello"),
			provider:    "mock",
			detail:      "mock (no elevenlabs key and no STT_HTTP_URL)",
		}, nil
	default:
		return transcriberSetup{}, fmt.Errorf("invalid STT_PROVIDER: %q (expected auto|elevenlabs|elevenlabs_realtime|http|mock)", cfg.STTProvider)
	}
}
