package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/avatarchat/internal/audio"
	"github.com/ent0n29/avatarchat/internal/avatar"
	"github.com/ent0n29/avatarchat/internal/brain"
	"github.com/ent0n29/avatarchat/internal/config"
	"github.com/ent0n29/avatarchat/internal/media"
	"github.com/ent0n29/avatarchat/internal/memory"
	"github.com/ent0n29/avatarchat/internal/observability"
	"github.com/ent0n29/avatarchat/internal/protocol"
	"github.com/ent0n29/avatarchat/internal/session"
	"github.com/ent0n29/avatarchat/internal/signaling"
	"github.com/ent0n29/avatarchat/internal/voice"
)

type stubProvider struct {
	mu         sync.Mutex
	agent      signaling.Agent
	agentErr   error
	agents     int
	created    int
	terminated int
}

func (p *stubProvider) CreateSession(context.Context, string) (signaling.Stream, error) {
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return signaling.Stream{StreamID: "strm_1", SessionID: "sess_1", Offer: signaling.SessionDescription{Type: "offer", SDP: "v=0"}}, nil
}

func (p *stubProvider) ExchangeMediaAnswer(context.Context, string, string, string, signaling.SessionDescription) error {
	return nil
}

func (p *stubProvider) ExchangeCandidate(context.Context, string, string, string, *signaling.Candidate) error {
	return nil
}

func (p *stubProvider) RequestSpeech(context.Context, string, string, string, string, string) error {
	return nil
}

func (p *stubProvider) TerminateSession(context.Context, string, string, string) bool {
	p.mu.Lock()
	p.terminated++
	p.mu.Unlock()
	return true
}

func (p *stubProvider) streams() (created, terminated int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, p.terminated
}

func (p *stubProvider) GetAgent(_ context.Context, agentID string) (signaling.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents++
	if p.agentErr != nil {
		return signaling.Agent{}, p.agentErr
	}
	a := p.agent
	a.ID = agentID
	return a, nil
}

type stubMedia struct{}

func (stubMedia) Answer(signaling.SessionDescription) (signaling.SessionDescription, error) {
	return signaling.SessionDescription{Type: "answer", SDP: "v=0"}, nil
}
func (stubMedia) FrameSize() (int, int) { return 0, 0 }
func (stubMedia) Close() error          { return nil }

func newStubMedia(media.Config, media.Handlers, *slog.Logger) (avatar.MediaSession, error) {
	return stubMedia{}, nil
}

type testEnv struct {
	ts       *httptest.Server
	sessions *session.Manager
	provider *stubProvider
	store    *memory.InMemoryStore
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	if cfg.SessionInactivityTimeout == 0 {
		cfg.SessionInactivityTimeout = 2 * time.Minute
	}
	provider := &stubProvider{agent: signaling.Agent{Name: "Mina", ThumbnailURL: "https://cdn.example/thumb.png"}}
	store := memory.NewInMemoryStore()
	metrics := observability.NewMetricsWith("test_httpapi", prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sessions := session.NewManager(cfg.SessionInactivityTimeout, func(s session.Session) session.Runtime {
		capture := audio.NewStreamCapture(time.Minute)
		o := avatar.New(avatar.Config{
			AgentID:   cfg.DIDAgentID,
			VoiceID:   s.VoiceID,
			UserID:    s.UserID,
			SessionID: s.ID,
		}, avatar.Deps{
			Signaling:   provider,
			NewMedia:    newStubMedia,
			Transcriber: voice.NewMockTranscriber("hello"),
			Brain:       brain.NewMockAdapter(),
			Capture:     capture,
			Store:       store,
			Metrics:     metrics,
			Logger:      logger,
		})
		return session.Runtime{Avatar: o, Capture: capture}
	}, logger)
	t.Cleanup(sessions.Shutdown)

	srv := New(cfg, sessions, provider, store, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, sessions: sessions, provider: provider, store: store}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	res, err := http.Post(e.ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func (e *testEnv) createSession(t *testing.T, userID string) string {
	t.Helper()
	res, created := e.post(t, "/v1/avatar/session", map[string]string{"user_id": userID})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	id, _ := created["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if ws, _ := created["ws_url"].(string); !strings.HasSuffix(ws, id) {
		t.Fatalf("ws_url = %q, want suffix %q", ws, id)
	}
	return id
}

func TestCreateGetAndEndSession(t *testing.T) {
	env := newTestEnv(t, config.Config{DIDVoiceID: "voice_default", DIDAgentID: "agt_1"})
	id := env.createSession(t, "user-1")

	res, err := http.Get(env.ts.URL + "/v1/avatar/session/" + id + "/")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	var got struct {
		Session session.Session `json:"session"`
		Avatar  avatar.Snapshot `json:"avatar"`
	}
	_ = json.NewDecoder(res.Body).Decode(&got)
	res.Body.Close()
	if got.Session.VoiceID != "voice_default" {
		t.Fatalf("voice_id = %q, want configured default", got.Session.VoiceID)
	}
	if got.Avatar.State != avatar.StateIdle {
		t.Fatalf("avatar state = %q, want idle", got.Avatar.State)
	}

	endRes, _ := env.post(t, "/v1/avatar/session/"+id+"/end", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
	msgRes, _ := env.post(t, "/v1/avatar/session/"+id+"/message", map[string]string{"text": "hi"})
	if msgRes.StatusCode != http.StatusNotFound {
		t.Fatalf("message after end status = %d, want %d", msgRes.StatusCode, http.StatusNotFound)
	}
}

func TestMessageRequiresConnection(t *testing.T) {
	env := newTestEnv(t, config.Config{DIDAgentID: "agt_1"})
	id := env.createSession(t, "user-1")

	res, body := env.post(t, "/v1/avatar/session/"+id+"/message", map[string]string{"text": "안녕"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	if body["code"] != "not_connected" {
		t.Fatalf("code = %v, want not_connected", body["code"])
	}

	res, body = env.post(t, "/v1/avatar/session/"+id+"/message", map[string]string{"text": "  "})
	if res.StatusCode != http.StatusBadRequest || body["code"] != "empty_message" {
		t.Fatalf("blank message = %d %v, want 400 empty_message", res.StatusCode, body["code"])
	}
}

func TestConnectWithoutAgentIsConfigurationError(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	id := env.createSession(t, "user-1")

	res, body := env.post(t, "/v1/avatar/session/"+id+"/connect", nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
	if body["error"] != "DID_AGENT_ID not configured" {
		t.Fatalf("error = %v, want DID_AGENT_ID not configured", body["error"])
	}
}

func TestConnectReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t, config.Config{DIDAgentID: "agt_1"})
	id := env.createSession(t, "user-1")

	res, body := env.post(t, "/v1/avatar/session/"+id+"/connect", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d (%v)", res.StatusCode, http.StatusOK, body)
	}
	if body["stream_id"] != "strm_1" {
		t.Fatalf("stream_id = %v, want strm_1", body["stream_id"])
	}
	res, body = env.post(t, "/v1/avatar/session/"+id+"/connect", nil)
	if res.StatusCode != http.StatusConflict || body["code"] != "already_connected" {
		t.Fatalf("second connect = %d %v, want 409 already_connected", res.StatusCode, body["code"])
	}
}

func TestAvatarErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{avatar.ErrTurnInFlight, http.StatusConflict, "turn_in_flight"},
		{avatar.ErrNotRecording, http.StatusConflict, "not_recording"},
		{fmt.Errorf("wrap: %w", avatar.ErrSuperseded), http.StatusConflict, "superseded"},
		{&avatar.Error{Kind: avatar.KindDevice}, http.StatusConflict, "device"},
		{&avatar.Error{Kind: avatar.KindConfiguration}, http.StatusServiceUnavailable, "configuration"},
		{&avatar.Error{Kind: avatar.KindMediaNegotiation}, http.StatusBadGateway, "media_negotiation"},
		{&avatar.Error{Kind: avatar.KindPipeline}, http.StatusBadGateway, "pipeline"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := avatarErrorStatus(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("avatarErrorStatus(%v) = %d %q, want %d %q", tc.err, status, code, tc.status, tc.code)
		}
	}
}

func TestAgentInfo(t *testing.T) {
	env := newTestEnv(t, config.Config{DIDAgentID: "agt_1"})
	res, err := http.Get(env.ts.URL + "/v1/avatar/agent")
	if err != nil {
		t.Fatalf("GET agent error = %v", err)
	}
	defer res.Body.Close()
	var got agentResponse
	_ = json.NewDecoder(res.Body).Decode(&got)
	if got.ID != "agt_1" || got.Name != "Mina" || got.Thumbnail == "" {
		t.Fatalf("agent = %+v", got)
	}
}

func TestAgentInfoNotConfigured(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	res, err := http.Get(env.ts.URL + "/v1/avatar/agent")
	if err != nil {
		t.Fatalf("GET agent error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestIdleVideoIsCached(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer upstream.Close()

	env := newTestEnv(t, config.Config{DIDAgentID: "agt_1"})
	env.provider.mu.Lock()
	env.provider.agent.IdleVideoURL = upstream.URL + "/idle.mp4"
	env.provider.mu.Unlock()

	for i := 0; i < 2; i++ {
		res, err := http.Get(env.ts.URL + "/v1/avatar/idle-video")
		if err != nil {
			t.Fatalf("GET idle video error = %v", err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != http.StatusOK || string(body) != "mp4-bytes" {
			t.Fatalf("idle video = %d %q", res.StatusCode, body)
		}
		if got := res.Header.Get("Cache-Control"); got != "public, max-age=3600" {
			t.Fatalf("Cache-Control = %q", got)
		}
		if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("Access-Control-Allow-Origin = %q", got)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
}

func TestIdleVideoCacheExpires(t *testing.T) {
	now := time.Unix(0, 0)
	c := newIdleVideoCache(time.Hour)
	c.now = func() time.Time { return now }
	fetches := 0
	fetch := func(context.Context) (cachedVideo, error) {
		fetches++
		return cachedVideo{data: []byte("x"), contentType: "video/mp4"}, nil
	}
	_, _ = c.get(context.Background(), fetch)
	now = now.Add(59 * time.Minute)
	_, _ = c.get(context.Background(), fetch)
	if fetches != 1 {
		t.Fatalf("fetches within ttl = %d, want 1", fetches)
	}
	now = now.Add(2 * time.Minute)
	_, _ = c.get(context.Background(), fetch)
	if fetches != 2 {
		t.Fatalf("fetches after ttl = %d, want 2", fetches)
	}
}

func TestUserTurns(t *testing.T) {
	env := newTestEnv(t, config.Config{DIDAgentID: "agt_1"})
	ctx := context.Background()
	_ = env.store.SaveTurn(ctx, memory.TurnRecord{ID: "t1", UserID: "u1", Role: "user", Content: "안녕", CreatedAt: time.Now()})
	_ = env.store.SaveTurn(ctx, memory.TurnRecord{ID: "t2", UserID: "u1", Role: "assistant", Content: "반가워요", CreatedAt: time.Now()})

	res, err := http.Get(env.ts.URL + "/v1/avatar/users/u1/turns?limit=10")
	if err != nil {
		t.Fatalf("GET turns error = %v", err)
	}
	defer res.Body.Close()
	var got struct {
		Turns []memory.TurnRecord `json:"turns"`
	}
	_ = json.NewDecoder(res.Body).Decode(&got)
	if len(got.Turns) != 2 || got.Turns[0].ID != "t1" {
		t.Fatalf("turns = %+v", got.Turns)
	}

	bad, err := http.Get(env.ts.URL + "/v1/avatar/users/u1/turns?limit=abc")
	if err != nil {
		t.Fatalf("GET turns error = %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}
}

func TestOnboardingStatus(t *testing.T) {
	env := newTestEnv(t, config.Config{DIDAPIKey: "k", DIDAgentID: "agt_1", GroqAPIKey: "g", GeminiAPIKey: "m"})
	res, err := http.Get(env.ts.URL + "/v1/onboarding/status")
	if err != nil {
		t.Fatalf("GET onboarding error = %v", err)
	}
	defer res.Body.Close()
	var got onboardingStatusResponse
	_ = json.NewDecoder(res.Body).Decode(&got)
	if got.BrainProvider != "groq+gemini" {
		t.Fatalf("brain provider = %q, want groq+gemini", got.BrainProvider)
	}
	if got.STTProvider != "mock" {
		t.Fatalf("stt provider = %q, want mock", got.STTProvider)
	}
	if got.TranscriptStore != "in-memory" {
		t.Fatalf("transcript store = %q, want in-memory", got.TranscriptStore)
	}
	for _, c := range got.Checks {
		if c.Status == "error" {
			t.Fatalf("unexpected error check: %+v", c)
		}
	}
}

func TestSessionWebSocket(t *testing.T) {
	env := newTestEnv(t, config.Config{DIDAgentID: "agt_1"})
	id := env.createSession(t, "user-1")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/avatar/session/ws?session_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot error = %v", err)
	}
	if first["type"] != string(protocol.TypeSnapshot) {
		t.Fatalf("first message type = %v, want snapshot", first["type"])
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var errMsg protocol.ErrorEvent
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("read error event = %v", err)
	}
	if errMsg.Type != protocol.TypeErrorEvent || errMsg.Code != "invalid_client_message" {
		t.Fatalf("error event = %+v", errMsg)
	}

	ctl, _ := json.Marshal(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: id, Action: protocol.ActionConnect})
	if err := conn.WriteMessage(websocket.TextMessage, ctl); err != nil {
		t.Fatalf("write control error = %v", err)
	}
	for {
		var msg protocol.StateChanged
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read state error = %v", err)
		}
		if msg.Type == protocol.TypeStateChanged && msg.State == string(avatar.StateConnecting) {
			break
		}
	}
}

func dialSessionWS(t *testing.T, env *testEnv, id string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/avatar/session/ws?session_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot error = %v", err)
	}
	return conn
}

func writeControl(t *testing.T, conn *websocket.Conn, id, action string) {
	t.Helper()
	ctl, _ := json.Marshal(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: id, Action: action})
	if err := conn.WriteMessage(websocket.TextMessage, ctl); err != nil {
		t.Fatalf("write %s error = %v", action, err)
	}
}

func TestSessionWebSocketRunsControlsInOrder(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t, config.Config{DIDAgentID: "agt_1"})
		id := env.createSession(t, "user-1")
		conn := dialSessionWS(t, env, id)

		writeControl(t, conn, id, protocol.ActionConnect)
		writeControl(t, conn, id, protocol.ActionDisconnect)
		writeControl(t, conn, id, protocol.ActionSnapshot)

		// The snapshot answers after disconnect returned.
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("run %d: read error = %v", i, err)
			}
			if msg["type"] == string(protocol.TypeSnapshot) {
				break
			}
		}

		rt, err := env.sessions.Runtime(id)
		if err != nil {
			t.Fatalf("Runtime() error = %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for {
			created, terminated := env.provider.streams()
			got := rt.Avatar.Snapshot()
			if got.State == avatar.StateIdle && got.StreamID == "" && created == terminated {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("run %d: state = %s stream = %q created = %d terminated = %d, want idle with every stream terminated",
					i, got.State, got.StreamID, created, terminated)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestSessionWebSocketUnknownSession(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	res, err := http.Get(env.ts.URL + "/v1/avatar/session/ws?session_id=missing")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestEventMessageMapping(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	msg, ok := eventMessage("s1", avatar.Event{Type: avatar.EventSpeakingChanged, Speaking: true, Visual: true, Source: "control", At: at})
	if !ok {
		t.Fatalf("speaking event not mapped")
	}
	sp, ok := msg.(protocol.SpeakingChanged)
	if !ok || !sp.Speaking || !sp.Visual || sp.TSMs != 1700000000000 {
		t.Fatalf("speaking message = %+v", msg)
	}
	if _, ok := eventMessage("s1", avatar.Event{Type: avatar.EventError}); ok {
		t.Fatalf("cleared error should not be forwarded")
	}
}

func TestVideoWebSocketForwardsRTP(t *testing.T) {
	env := newTestEnv(t, config.Config{DIDAgentID: "agt_1"})
	id := env.createSession(t, "user-1")
	rt, err := env.sessions.Runtime(id)
	if err != nil {
		t.Fatalf("Runtime() error = %v", err)
	}
	relay := rt.Avatar.LiveVideo()

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/avatar/session/" + id + "/video/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for relay.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("video subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	relay.Publish(media.Packet{Kind: "audio", MimeType: "audio/opus", RTP: &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}}})
	relay.Publish(media.Packet{Kind: "video", MimeType: "video/VP8", RTP: &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, SSRC: 42},
		Payload: []byte{0x10, 0x20},
	}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", msgType)
	}
	var got rtp.Packet
	if err := got.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal rtp error = %v", err)
	}
	if got.SequenceNumber != 7 || got.SSRC != 42 || !bytes.Equal(got.Payload, []byte{0x10, 0x20}) {
		t.Fatalf("forwarded packet = %+v, want seq 7 ssrc 42", got.Header)
	}
}

func TestVideoWebSocketRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	id := env.createSession(t, "user-1")
	res, err := http.Get(env.ts.URL + "/v1/avatar/session/" + id + "/video/ws?kind=subtitles")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}
