package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/avatarchat/internal/avatar"
	"github.com/ent0n29/avatarchat/internal/session"
)

const (
	connectTimeout = 45 * time.Second
	turnTimeout    = 90 * time.Second
)

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.cfg.DIDVoiceID
	}
	if strings.TrimSpace(req.SystemPrompt) == "" {
		req.SystemPrompt = s.cfg.SystemPrompt
	}

	sess, _ := s.sessions.Create(req)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		VoiceID:         sess.VoiceID,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		WebSocketURL:    "/v1/avatar/session/ws?session_id=" + sess.ID,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	body := map[string]any{"session": sess}
	if rt, err := s.sessions.Runtime(sess.ID); err == nil && rt.Avatar != nil {
		body["avatar"] = rt.Avatar.Snapshot()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.withAvatar(w, r, connectTimeout, func(ctx context.Context, o *avatar.Orchestrator) error {
		return o.Connect(ctx)
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.withAvatar(w, r, connectTimeout, func(ctx context.Context, o *avatar.Orchestrator) error {
		return o.Disconnect(ctx)
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.withAvatar(w, r, turnTimeout, func(ctx context.Context, o *avatar.Orchestrator) error {
		return o.SendMessage(ctx, req.Text)
	})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	s.withAvatar(w, r, connectTimeout, func(ctx context.Context, o *avatar.Orchestrator) error {
		return o.StartRecording(ctx)
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	s.withAvatar(w, r, turnTimeout, func(ctx context.Context, o *avatar.Orchestrator) error {
		return o.StopRecording(ctx)
	})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	s.withAvatar(w, r, connectTimeout, func(_ context.Context, o *avatar.Orchestrator) error {
		o.ClearError()
		return nil
	})
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	s.withAvatar(w, r, connectTimeout, func(_ context.Context, o *avatar.Orchestrator) error {
		return o.ClearConversation()
	})
}

// withAvatar resolves the session's orchestrator, runs fn detached from the
// request cancellation, and responds with the resulting snapshot.
func (s *Server) withAvatar(w http.ResponseWriter, r *http.Request, timeout time.Duration, fn func(context.Context, *avatar.Orchestrator) error) {
	id := chi.URLParam(r, "id")
	rt, err := s.sessions.Runtime(id)
	if err != nil || rt.Avatar == nil {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	_ = s.sessions.Touch(id)

	// A dropped client must not abort a connect or turn halfway.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()
	if err := fn(ctx, rt.Avatar); err != nil {
		respondAvatarError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rt.Avatar.Snapshot())
}

func respondAvatarError(w http.ResponseWriter, err error) {
	status, code := avatarErrorStatus(err)
	msg := err.Error()
	var ae *avatar.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	respondError(w, status, code, msg)
}

func avatarErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, avatar.ErrTurnInFlight):
		return http.StatusConflict, "turn_in_flight"
	case errors.Is(err, avatar.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, avatar.ErrAlreadyConnected):
		return http.StatusConflict, "already_connected"
	case errors.Is(err, avatar.ErrNotRecording):
		return http.StatusConflict, "not_recording"
	case errors.Is(err, avatar.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, avatar.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	}
	switch kind := avatar.KindOf(err); kind {
	case avatar.KindDevice:
		return http.StatusConflict, string(kind)
	case avatar.KindConfiguration:
		return http.StatusServiceUnavailable, string(kind)
	case avatar.KindProvider, avatar.KindMediaNegotiation, avatar.KindPipeline:
		return http.StatusBadGateway, string(kind)
	}
	return http.StatusInternalServerError, "internal_error"
}

func (s *Server) handleUserTurns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	turns, err := s.store.RecentTurns(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("list turns failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", "failed to load turns")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "turns": turns})
}
