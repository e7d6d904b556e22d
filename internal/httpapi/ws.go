package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarchat/internal/avatar"
	"github.com/ent0n29/avatarchat/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsActionQueue  = 256
)

// wsAction is one client command. Commands from a socket start in arrival
// order: the next one starts once the previous has been accepted by the
// orchestrator or has returned.
type wsAction struct {
	timeout time.Duration
	run     func(ctx context.Context) error
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	rt, err := s.sessions.Runtime(sessionID)
	if err != nil || rt.Avatar == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := rt.Avatar.Subscribe()
	defer unsubscribe()
	if rt.Capture != nil {
		detach := rt.Capture.Attach()
		defer detach()
	}

	outbound := make(chan any, 256)
	send := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			s.logger.Debug("outbound queue full", "session_id", sessionID)
		}
	}
	send(protocol.Snapshot{Type: protocol.TypeSnapshot, SessionID: sessionID, Snapshot: rt.Avatar.Snapshot()})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if msg, ok := eventMessage(sessionID, ev); ok {
					send(msg)
				}
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug("websocket write failed", "session_id", sessionID, "error", err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	actions := make(chan wsAction, wsActionQueue)
	go s.runActions(ctx, sessionID, actions, send)
	enqueue := func(a wsAction) {
		select {
		case actions <- a:
		default:
			send(errorEvent(sessionID, "action_queue_full", "gateway", true, "too many pending commands"))
		}
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(errorEvent(sessionID, "invalid_client_message", "gateway", false, err.Error()))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		_ = s.sessions.Touch(sessionID)

		switch msg := parsed.(type) {
		case protocol.ClientAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
			if err != nil {
				send(errorEvent(sessionID, "invalid_audio_chunk", "gateway", false, err.Error()))
				continue
			}
			if rt.Capture == nil {
				continue
			}
			capture, rate := rt.Capture, msg.SampleRate
			enqueue(wsAction{run: func(context.Context) error {
				capture.Write(pcm, rate)
				return nil
			}})
		case protocol.ClientText:
			text := msg.Text
			enqueue(wsAction{timeout: turnTimeout, run: func(ctx context.Context) error {
				return rt.Avatar.SendMessage(ctx, text)
			}})
		case protocol.ClientControl:
			if a, ok := s.controlAction(sessionID, rt.Avatar, msg.Action, send); ok {
				enqueue(a)
			}
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) controlAction(sessionID string, o *avatar.Orchestrator, action string, send func(any)) (wsAction, bool) {
	switch action {
	case protocol.ActionConnect:
		return wsAction{timeout: connectTimeout, run: o.Connect}, true
	case protocol.ActionDisconnect:
		return wsAction{timeout: connectTimeout, run: o.Disconnect}, true
	case protocol.ActionStartRecording:
		return wsAction{run: o.StartRecording}, true
	case protocol.ActionStopRecording:
		return wsAction{timeout: turnTimeout, run: o.StopRecording}, true
	case protocol.ActionClearError:
		return wsAction{run: func(context.Context) error {
			o.ClearError()
			return nil
		}}, true
	case protocol.ActionClearConversation:
		return wsAction{run: func(context.Context) error {
			return o.ClearConversation()
		}}, true
	case protocol.ActionSnapshot:
		return wsAction{run: func(context.Context) error {
			send(protocol.Snapshot{Type: protocol.TypeSnapshot, SessionID: sessionID, Snapshot: o.Snapshot()})
			return nil
		}}, true
	}
	send(errorEvent(sessionID, "invalid_client_message", "gateway", false, "unknown control action "+action))
	return wsAction{}, false
}

// runActions starts queued commands one at a time until the socket closes.
// A command that is already running keeps its own deadline.
func (s *Server) runActions(ctx context.Context, sessionID string, actions <-chan wsAction, send func(any)) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-actions:
			accepted := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				s.runAction(sessionID, a, func() { close(accepted) }, send)
			}()
			select {
			case <-accepted:
			case <-done:
			}
		}
	}
}

// runAction runs an orchestrator operation outside the read loop. Its
// lifetime is bounded by timeout, not by the websocket.
func (s *Server) runAction(sessionID string, a wsAction, accepted func(), send func(any)) {
	timeout := a.timeout
	if timeout <= 0 {
		timeout = connectTimeout
	}
	base := avatar.WithTrace(context.Background(), avatar.Trace{Accepted: accepted})
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	err := a.run(ctx)
	if err == nil {
		return
	}
	_, code := avatarErrorStatus(err)
	detail := err.Error()
	var ae *avatar.Error
	if errors.As(err, &ae) {
		detail = ae.Message
	}
	s.logger.Debug("session action failed", "session_id", sessionID, "code", code, "error", err)
	send(errorEvent(sessionID, code, "avatar", code != "configuration", detail))
}

func eventMessage(sessionID string, ev avatar.Event) (any, bool) {
	switch ev.Type {
	case avatar.EventStateChanged:
		return protocol.StateChanged{
			Type:      protocol.TypeStateChanged,
			SessionID: sessionID,
			State:     string(ev.State),
			Previous:  string(ev.PreviousState),
			TSMs:      protocol.TS(ev.At),
		}, true
	case avatar.EventTurnAppended:
		if ev.Turn == nil {
			return nil, false
		}
		return protocol.ConversationTurn{
			Type:      protocol.TypeConversationTurn,
			SessionID: sessionID,
			TurnID:    ev.Turn.ID,
			Role:      string(ev.Turn.Role),
			Content:   ev.Turn.Content,
			TSMs:      protocol.TS(ev.Turn.Timestamp),
		}, true
	case avatar.EventAssistantDelta:
		return protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantDelta,
			SessionID: sessionID,
			TextDelta: ev.Delta,
		}, true
	case avatar.EventSpeakingChanged:
		return protocol.SpeakingChanged{
			Type:      protocol.TypeSpeakingChanged,
			SessionID: sessionID,
			Speaking:  ev.Speaking,
			Visual:    ev.Visual,
			Source:    ev.Source,
			TSMs:      protocol.TS(ev.At),
		}, true
	case avatar.EventConversationCleared:
		return protocol.ConversationCleared{Type: protocol.TypeConversationCleared, SessionID: sessionID}, true
	case avatar.EventError:
		if ev.Error == "" {
			return nil, false
		}
		return errorEvent(sessionID, "avatar_error", "avatar", true, ev.Error), true
	}
	return nil, false
}

func errorEvent(sessionID, code, source string, retryable bool, detail string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch msg := v.(type) {
	case protocol.ClientAudioChunk:
		return msg.Type, true
	case protocol.ClientText:
		return msg.Type, true
	case protocol.ClientControl:
		return msg.Type, true
	case protocol.StateChanged:
		return msg.Type, true
	case protocol.ConversationTurn:
		return msg.Type, true
	case protocol.AssistantTextDelta:
		return msg.Type, true
	case protocol.SpeakingChanged:
		return msg.Type, true
	case protocol.ConversationCleared:
		return msg.Type, true
	case protocol.Snapshot:
		return msg.Type, true
	case protocol.ErrorEvent:
		return msg.Type, true
	default:
		return "", false
	}
}
