package avatar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/avatarchat/internal/audio"
	"github.com/ent0n29/avatarchat/internal/brain"
	"github.com/ent0n29/avatarchat/internal/conversation"
	"github.com/ent0n29/avatarchat/internal/media"
	"github.com/ent0n29/avatarchat/internal/memory"
	"github.com/ent0n29/avatarchat/internal/observability"
	"github.com/ent0n29/avatarchat/internal/signaling"
	"github.com/ent0n29/avatarchat/internal/voice"
)

type fakeSignaling struct {
	mu           sync.Mutex
	createErr    error
	answerErr    error
	speechErr    error
	duringSpeech func()
	streams      int
	answers      int
	candidates   []*signaling.Candidate
	speeches     []string
	voices       []string
	terminated   []string
}

func (f *fakeSignaling) CreateSession(ctx context.Context, agentID string) (signaling.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return signaling.Stream{}, f.createErr
	}
	f.streams++
	id := fmt.Sprintf("strm_%d", f.streams)
	return signaling.Stream{
		StreamID:  id,
		SessionID: "sess_" + id,
		Offer:     signaling.SessionDescription{Type: "offer", SDP: "v=0"},
	}, nil
}

func (f *fakeSignaling) ExchangeMediaAnswer(ctx context.Context, agentID, streamID, sessionID string, answer signaling.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return f.answerErr
}

func (f *fakeSignaling) ExchangeCandidate(ctx context.Context, agentID, streamID, sessionID string, candidate *signaling.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeSignaling) RequestSpeech(ctx context.Context, agentID, streamID, sessionID, text, voiceID string) error {
	f.mu.Lock()
	f.speeches = append(f.speeches, text)
	f.voices = append(f.voices, voiceID)
	hook, err := f.duringSpeech, f.speechErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeSignaling) TerminateSession(ctx context.Context, agentID, streamID, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, streamID)
	return true
}

func (f *fakeSignaling) GetAgent(ctx context.Context, agentID string) (signaling.Agent, error) {
	return signaling.Agent{ID: agentID}, nil
}

func (f *fakeSignaling) speechTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.speeches...)
}

func (f *fakeSignaling) terminatedStreams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func (f *fakeSignaling) forwardedCandidates() []*signaling.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*signaling.Candidate(nil), f.candidates...)
}

type fakeMedia struct {
	handlers   media.Handlers
	candidates []*signaling.Candidate

	mu     sync.Mutex
	width  int
	height int
	closed int
}

func (m *fakeMedia) Answer(offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	for _, c := range m.candidates {
		m.handlers.OnCandidate(c)
	}
	return signaling.SessionDescription{Type: "answer", SDP: "v=0"}, nil
}

func (m *fakeMedia) FrameSize() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.width, m.height
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMedia) setFrame(w, h int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.width, m.height = w, h
}

func (m *fakeMedia) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMedia) control(event media.ControlEvent) {
	m.handlers.OnControl(event, event.String())
}

type fakeMediaFactory struct {
	mu         sync.Mutex
	created    []*fakeMedia
	candidates []*signaling.Candidate
}

func (f *fakeMediaFactory) New(cfg media.Config, handlers media.Handlers, _ *slog.Logger) (MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &fakeMedia{handlers: handlers, candidates: f.candidates}
	f.created = append(f.created, m)
	return m, nil
}

func (f *fakeMediaFactory) last() *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeBrain struct {
	mu       sync.Mutex
	deltas   []string
	err      error
	block    chan struct{}
	onStream func()
	requests []brain.Request
}

func (b *fakeBrain) StreamResponse(ctx context.Context, req brain.Request, onDelta brain.DeltaHandler) (brain.Response, error) {
	b.mu.Lock()
	req.Messages = append([]conversation.Message(nil), req.Messages...)
	b.requests = append(b.requests, req)
	deltas, err, block, hook := b.deltas, b.err, b.block, b.onStream
	b.mu.Unlock()
	if hook != nil {
		hook()
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return brain.Response{}, ctx.Err()
		}
	}
	if err != nil {
		return brain.Response{}, err
	}
	for _, d := range deltas {
		if err := onDelta(d); err != nil {
			return brain.Response{}, err
		}
	}
	return brain.Response{Text: strings.Join(deltas, ""), Provider: "fake"}, nil
}

func (b *fakeBrain) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *fakeBrain) request(i int) brain.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

type harness struct {
	o       *Orchestrator
	sig     *fakeSignaling
	medias  *fakeMediaFactory
	brain   *fakeBrain
	stt     *voice.MockTranscriber
	capture *audio.StreamCapture
	store   *memory.InMemoryStore
	metrics *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, Config{AgentID: "agt_test", VoiceID: "voice_1", UserID: "u1", SessionID: "s1"})
}

func newHarnessWith(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sig:     &fakeSignaling{},
		medias:  &fakeMediaFactory{},
		brain:   &fakeBrain{deltas: []string{"안녕하세요, ", "반가워요."}},
		stt:     voice.NewMockTranscriber("오늘 운세 알려줘"),
		capture: audio.NewStreamCapture(time.Minute),
		store:   memory.NewInMemoryStore(),
		metrics: observability.NewMetricsWith("avatar_test", prometheus.NewRegistry()),
	}
	h.o = New(cfg, Deps{
		Signaling:   h.sig,
		NewMedia:    h.medias.New,
		Transcriber: h.stt,
		Brain:       h.brain,
		Capture:     h.capture,
		Store:       h.store,
		Metrics:     h.metrics,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.o.watchdogTimeout = 2 * time.Second
	h.o.pollInterval = 5 * time.Millisecond
	h.o.visualInterval = 2 * time.Millisecond
	t.Cleanup(func() { _ = h.o.Disconnect(context.Background()) })
	return h
}

// connect brings the orchestrator to ready via the provider ready event.
func (h *harness) connect(t *testing.T) *fakeMedia {
	t.Helper()
	if err := h.o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	m := h.medias.last()
	if m == nil {
		t.Fatalf("no media session created")
	}
	m.control(media.ControlReady)
	if got := h.o.State(); got != StateReady {
		t.Fatalf("state after ready event = %q, want %q", got, StateReady)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// collectStates drains state_changed events until want is seen.
func collectStates(t *testing.T, events <-chan Event, want State) []State {
	t.Helper()
	var states []State
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventStateChanged {
				continue
			}
			states = append(states, ev.State)
			if ev.State == want {
				return states
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %q, saw %v", want, states)
		}
	}
}
