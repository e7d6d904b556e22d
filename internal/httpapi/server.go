package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarchat/internal/config"
	"github.com/ent0n29/avatarchat/internal/memory"
	"github.com/ent0n29/avatarchat/internal/observability"
	"github.com/ent0n29/avatarchat/internal/session"
	"github.com/ent0n29/avatarchat/internal/signaling"
)

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	provider   signaling.Client
	store      memory.Store
	metrics    *observability.Metrics
	idleVideo  *idleVideoCache
	httpClient *http.Client
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func New(cfg config.Config, sessions *session.Manager, provider signaling.Client, store memory.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		provider:   provider,
		store:      store,
		metrics:    metrics,
		idleVideo:  newIdleVideoCache(cfg.IdleVideoCacheTTL),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/avatar/agent", s.handleAgent)
	r.Get("/v1/avatar/idle-video", s.handleIdleVideo)
	r.Get("/v1/avatar/voices", s.handleListVoices)
	r.Get("/v1/avatar/users/{userID}/turns", s.handleUserTurns)

	r.Post("/v1/avatar/session", s.handleCreateSession)
	r.Get("/v1/avatar/session/ws", s.handleSessionWS)
	r.Route("/v1/avatar/session/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/message", s.handleMessage)
		r.Post("/recording/start", s.handleStartRecording)
		r.Post("/recording/stop", s.handleStopRecording)
		r.Post("/error/clear", s.handleClearError)
		r.Post("/conversation/clear", s.handleClearConversation)
		r.Post("/end", s.handleEndSession)
		r.Get("/video/ws", s.handleVideoWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	configured := s.cfg.DIDAPIKey != "" && s.cfg.DIDAgentID != ""
	status := http.StatusOK
	if !configured {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"status":           map[bool]string{true: "ready", false: "not_configured"}[configured],
		"avatar_provider":  configured,
		"transcript_store": storeMode(s.cfg),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func storeMode(cfg config.Config) string {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "in-memory"
}
