package httpapi

import (
	"fmt"
	"net/http"
	"strings"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	STTProvider     string            `json:"stt_provider"`
	BrainProvider   string            `json:"brain_provider"`
	TranscriptStore string            `json:"transcript_store"`
	Checks          []onboardingCheck `json:"checks"`
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]onboardingCheck, 0, 10)
	checks = append(checks, s.avatarChecks()...)
	sttProvider, sttChecks := s.sttChecks()
	checks = append(checks, sttChecks...)
	brainProvider, brainChecks := s.brainChecks()
	checks = append(checks, brainChecks...)

	mode := storeMode(s.cfg)
	if mode == "postgres" {
		checks = append(checks, onboardingCheck{
			ID:     "transcript_store",
			Status: "ok",
			Label:  "Transcript persistence",
			Detail: "postgres",
		})
	} else {
		checks = append(checks, onboardingCheck{
			ID:     "transcript_store",
			Status: "warn",
			Label:  "Transcript persistence",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to keep transcripts across restarts.",
		})
	}

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		STTProvider:     sttProvider,
		BrainProvider:   brainProvider,
		TranscriptStore: mode,
		Checks:          checks,
	})
}

func (s *Server) avatarChecks() []onboardingCheck {
	out := make([]onboardingCheck, 0, 3)
	if strings.TrimSpace(s.cfg.DIDAPIKey) == "" {
		out = append(out, onboardingCheck{
			ID:     "did_key",
			Status: "error",
			Label:  "D-ID API key",
			Detail: "DID_API_KEY is not set",
			Fix:    "Create a key in the D-ID studio and set DID_API_KEY.",
		})
	} else {
		out = append(out, onboardingCheck{ID: "did_key", Status: "ok", Label: "D-ID API key", Detail: "present"})
	}
	if strings.TrimSpace(s.cfg.DIDAgentID) == "" {
		out = append(out, onboardingCheck{
			ID:     "did_agent",
			Status: "error",
			Label:  "D-ID agent",
			Detail: "DID_AGENT_ID is not set",
			Fix:    "Set DID_AGENT_ID to the agent whose presenter should be streamed.",
		})
	} else {
		out = append(out, onboardingCheck{ID: "did_agent", Status: "ok", Label: "D-ID agent", Detail: s.cfg.DIDAgentID})
	}
	if strings.TrimSpace(s.cfg.DIDVoiceID) == "" {
		out = append(out, onboardingCheck{
			ID:     "did_voice",
			Status: "warn",
			Label:  "Avatar voice",
			Detail: "DID_VOICE_ID is not set; the provider default voice is used",
		})
	}
	return out
}

func (s *Server) sttChecks() (string, []onboardingCheck) {
	provider := strings.ToLower(strings.TrimSpace(s.cfg.STTProvider))
	if provider == "" {
		provider = "auto"
	}
	hasKey := strings.TrimSpace(s.cfg.ElevenLabsAPIKey) != ""
	hasURL := strings.TrimSpace(s.cfg.STTHTTPURL) != ""

	switch provider {
	case "auto":
		switch {
		case hasKey:
			provider = "elevenlabs"
		case hasURL:
			provider = "http"
		default:
			return "mock", []onboardingCheck{{
				ID:     "stt",
				Status: "warn",
				Label:  "Speech-to-text",
				Detail: "no provider configured; transcripts are placeholders",
				Fix:    "Set ELEVENLABS_API_KEY or STT_HTTP_URL.",
			}}
		}
	case "mock":
		return provider, []onboardingCheck{{
			ID:     "stt",
			Status: "warn",
			Label:  "Speech-to-text (mock)",
			Detail: "transcripts are placeholders",
		}}
	}

	switch provider {
	case "elevenlabs", "elevenlabs_realtime":
		if !hasKey {
			return provider, []onboardingCheck{{
				ID:     "stt",
				Status: "error",
				Label:  "Speech-to-text (ElevenLabs)",
				Detail: "ELEVENLABS_API_KEY is not set",
				Fix:    "Set ELEVENLABS_API_KEY or switch STT_PROVIDER.",
			}}
		}
	case "http":
		if !hasURL {
			return provider, []onboardingCheck{{
				ID:     "stt",
				Status: "error",
				Label:  "Speech-to-text (HTTP)",
				Detail: "STT_HTTP_URL is empty",
			}}
		}
	}
	return provider, []onboardingCheck{{
		ID:     "stt",
		Status: "ok",
		Label:  "Speech-to-text",
		Detail: provider,
	}}
}

func (s *Server) brainChecks() (string, []onboardingCheck) {
	provider := strings.ToLower(strings.TrimSpace(s.cfg.BrainProvider))
	if provider == "" {
		provider = "auto"
	}
	configured := map[string]bool{
		"groq":   strings.TrimSpace(s.cfg.GroqAPIKey) != "",
		"gemini": strings.TrimSpace(s.cfg.GeminiAPIKey) != "",
		"proxy":  strings.TrimSpace(s.cfg.BrainProxyURL) != "",
	}
	envFor := map[string]string{
		"groq":   "GROQ_API_KEY",
		"gemini": "GEMINI_API_KEY",
		"proxy":  "BRAIN_PROXY_URL",
	}

	switch provider {
	case "auto":
		var chain []string
		for _, name := range []string{"groq", "gemini", "proxy"} {
			if configured[name] {
				chain = append(chain, name)
			}
		}
		if len(chain) == 0 {
			return "mock", []onboardingCheck{{
				ID:     "brain",
				Status: "warn",
				Label:  "Language model (mock)",
				Detail: "no provider configured; replies are placeholders",
				Fix:    "Set GROQ_API_KEY, GEMINI_API_KEY or BRAIN_PROXY_URL.",
			}}
		}
		return strings.Join(chain, "+"), []onboardingCheck{{
			ID:     "brain",
			Status: "ok",
			Label:  "Language model",
			Detail: fmt.Sprintf("failover chain: %s", strings.Join(chain, " -> ")),
		}}
	case "mock":
		return provider, []onboardingCheck{{
			ID:     "brain",
			Status: "warn",
			Label:  "Language model (mock)",
			Detail: "replies are placeholders",
		}}
	default:
		if !configured[provider] {
			return provider, []onboardingCheck{{
				ID:     "brain",
				Status: "error",
				Label:  "Language model",
				Detail: envFor[provider] + " is not set",
				Fix:    "Set " + envFor[provider] + " or use BRAIN_PROVIDER=auto.",
			}}
		}
		return provider, []onboardingCheck{{
			ID:     "brain",
			Status: "ok",
			Label:  "Language model",
			Detail: provider,
		}}
	}
}
