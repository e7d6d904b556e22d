package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const videoRelayBuffer = 512

// handleVideoWS forwards the provider's inbound RTP to the client, one
// marshalled packet per binary frame. The kind query selects the track
// ("video" by default, "audio", or "all").
func (s *Server) handleVideoWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	rt, err := s.sessions.Runtime(sessionID)
	if err != nil || rt.Avatar == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	kind := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kind")))
	switch kind {
	case "":
		kind = "video"
	case "video", "audio", "all":
	default:
		respondError(w, http.StatusBadRequest, "invalid_kind", "kind must be video, audio or all")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	packets, unsubscribe := rt.Avatar.LiveVideo().Subscribe(videoRelayBuffer)
	defer unsubscribe()

	// Inbound frames are ignored; reading keeps control frames flowing and
	// notices the client going away.
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case p, ok := <-packets:
			if !ok {
				return
			}
			if kind != "all" && p.Kind != kind {
				continue
			}
			raw, err := p.RTP.Marshal()
			if err != nil {
				s.logger.Debug("rtp marshal failed", "session_id", sessionID, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				return
			}
		}
	}
}
