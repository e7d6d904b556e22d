// Package avatar drives one avatar conversation: provider signaling, the
// media session, the turn pipeline and the reconciled speaking state.
package avatar

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/avatarchat/internal/audio"
	"github.com/ent0n29/avatarchat/internal/brain"
	"github.com/ent0n29/avatarchat/internal/conversation"
	"github.com/ent0n29/avatarchat/internal/media"
	"github.com/ent0n29/avatarchat/internal/memory"
	"github.com/ent0n29/avatarchat/internal/observability"
	"github.com/ent0n29/avatarchat/internal/signaling"
	"github.com/ent0n29/avatarchat/internal/voice"
)

const (
	// SpeechWatchdogTimeout bounds the wait for a speech event after the
	// provider accepted a speech request.
	SpeechWatchdogTimeout = 30 * time.Second
	DimensionPollInterval = 100 * time.Millisecond
	// VisualPollInterval approximates an animation-frame cadence.
	VisualPollInterval = 16 * time.Millisecond

	terminateTimeout = 5 * time.Second
	persistTimeout   = 3 * time.Second
	eventBuffer      = 64
	candidateBuffer  = 32
)

// MediaSession is the part of *media.Session the orchestrator drives.
type MediaSession interface {
	Answer(offer signaling.SessionDescription) (signaling.SessionDescription, error)
	FrameSize() (int, int)
	Close() error
}

// MediaFactory builds one media session per connect.
type MediaFactory func(cfg media.Config, handlers media.Handlers, logger *slog.Logger) (MediaSession, error)

// NewMediaSession is the pion-backed MediaFactory.
func NewMediaSession(cfg media.Config, handlers media.Handlers, logger *slog.Logger) (MediaSession, error) {
	s, err := media.NewSession(cfg, handlers, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Config struct {
	AgentID      string
	VoiceID      string
	SystemPrompt string
	UserID       string
	SessionID    string
	ChannelLabel string
}

type Deps struct {
	Signaling   signaling.Client
	NewMedia    MediaFactory
	Transcriber voice.Transcriber
	Brain       brain.Adapter
	Capture     audio.Capture
	Store       memory.Store
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// connection is the handle of one connect attempt. Callbacks created for it
// compare it with the orchestrator's current handle and no-op once replaced.
type connection struct {
	stream signaling.Stream
	media  MediaSession

	ctx        context.Context
	cancel     context.CancelFunc
	candidates chan *signaling.Candidate
	answered   chan struct{}

	polling       bool
	visualPolling bool
}

// Orchestrator owns the conversation state machine. All exported methods are
// safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics *observability.Metrics
	relay   *media.Relay
	log     *conversation.Log

	watchdogTimeout time.Duration
	pollInterval    time.Duration
	visualInterval  time.Duration
	now             func() time.Time

	mu               sync.Mutex
	state            State
	connected        bool
	errText          string
	conn             *connection
	turnInFlight     bool
	turnToken        uint64
	awaitingSpeech   bool
	speechRequested  bool
	speechDoneEarly  bool
	speechAcceptedAt time.Time
	watchdog         *time.Timer
	speaking         speakingCoordinator
	subs             map[int]chan Event
	nextSub          int
}

func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.NewMedia == nil {
		deps.NewMedia = NewMediaSession
	}
	return &Orchestrator{
		cfg:             cfg,
		deps:            deps,
		logger:          logger.With("component", "avatar", "session_id", cfg.SessionID),
		metrics:         deps.Metrics,
		relay:           media.NewRelay(),
		log:             conversation.NewLog(),
		watchdogTimeout: SpeechWatchdogTimeout,
		pollInterval:    DimensionPollInterval,
		visualInterval:  VisualPollInterval,
		now:             time.Now,
		state:           StateIdle,
		speaking:        newSpeakingCoordinator(SpeakingFrameThreshold, SpeakingEndDebounce),
		subs:            make(map[int]chan Event),
	}
}

// Connect opens a provider session and negotiates media. It returns once the
// answer has been delivered; the state reaches ready on the provider ready
// event or when the peer connection connects.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.conn != nil {
		o.mu.Unlock()
		return ErrAlreadyConnected
	}
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &connection{
		ctx:        connCtx,
		cancel:     cancel,
		candidates: make(chan *signaling.Candidate, candidateBuffer),
		answered:   make(chan struct{}),
	}
	o.conn = c
	o.errText = ""
	o.setStateLocked(StateConnecting)
	o.mu.Unlock()
	traceAccepted(ctx)
	o.metrics.ObserveSessionEvent("connect")

	stepCtx, stepCancel := context.WithCancel(ctx)
	defer stepCancel()
	stop := context.AfterFunc(connCtx, stepCancel)
	defer stop()

	if o.cfg.AgentID == "" {
		return o.failConnect(c, &Error{Kind: KindConfiguration, Op: "connect", Message: "DID_AGENT_ID not configured"})
	}
	if o.deps.Signaling == nil {
		return o.failConnect(c, &Error{Kind: KindConfiguration, Op: "connect", Message: "DID_API_KEY not configured"})
	}

	stream, err := o.deps.Signaling.CreateSession(stepCtx, o.cfg.AgentID)
	if err != nil {
		return o.failConnect(c, classifyConnectError(err))
	}
	if stream.Offer.SDP == "" {
		o.terminate(ctx, stream)
		return o.failConnect(c, &Error{Kind: KindMediaNegotiation, Op: "connect", Message: MsgInvalidOffer})
	}

	o.mu.Lock()
	if o.conn != c {
		o.mu.Unlock()
		o.terminate(ctx, stream)
		return ErrSuperseded
	}
	c.stream = stream
	o.mu.Unlock()
	logger := o.logger.With("stream_id", stream.StreamID)
	logger.Info("avatar stream created")

	ms, err := o.deps.NewMedia(media.Config{
		ICEServers:   stream.ICEServers,
		ChannelLabel: o.cfg.ChannelLabel,
		Relay:        o.relay,
	}, o.handlersFor(c), o.logger)
	if err != nil {
		return o.failConnect(c, &Error{Kind: KindMediaNegotiation, Op: "connect", Message: MsgConnectionFailed, Err: err})
	}

	o.mu.Lock()
	if o.conn != c {
		o.mu.Unlock()
		_ = ms.Close()
		return ErrSuperseded
	}
	c.media = ms
	o.mu.Unlock()
	go o.forwardCandidates(c)

	answer, err := ms.Answer(stream.Offer)
	if err != nil {
		return o.failConnect(c, &Error{Kind: KindMediaNegotiation, Op: "connect", Message: MsgConnectionFailed, Err: err})
	}
	if err := o.deps.Signaling.ExchangeMediaAnswer(stepCtx, o.cfg.AgentID, stream.StreamID, stream.SessionID, answer); err != nil {
		return o.failConnect(c, classifyConnectError(err))
	}
	close(c.answered)
	logger.Info("media answer delivered")
	return nil
}

func classifyConnectError(err error) *Error {
	var pe *signaling.ProviderError
	switch {
	case errors.Is(err, signaling.ErrNotConfigured):
		return &Error{Kind: KindConfiguration, Op: "connect", Message: err.Error(), Err: err}
	case errors.As(err, &pe):
		return &Error{Kind: KindProvider, Op: "connect", Message: MsgCreateStreamFailed, Err: err}
	default:
		return &Error{Kind: KindProvider, Op: "connect", Message: MsgConnectionFailed, Err: err}
	}
}

// failConnect surfaces a connect failure: error state, then cleanup to idle
// with the message retained.
func (o *Orchestrator) failConnect(c *connection, e *Error) error {
	o.mu.Lock()
	if o.conn != c {
		o.mu.Unlock()
		return ErrSuperseded
	}
	o.setErrorLocked(e.Message)
	o.setStateLocked(StateError)
	o.teardownLocked()
	o.mu.Unlock()

	o.logger.Warn("avatar connect failed", "kind", e.Kind, "error", e)
	o.metrics.ObserveProviderError("did", string(e.Kind))
	o.finishTeardown(context.Background(), c)
	return e
}

// Disconnect runs cleanup. It is safe to call in any state.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.mu.Lock()
	c := o.conn
	if c == nil {
		o.setStateLocked(StateIdle)
		o.mu.Unlock()
		return nil
	}
	o.teardownLocked()
	o.mu.Unlock()

	o.finishTeardown(ctx, c)
	o.metrics.ObserveSessionEvent("disconnect")
	o.logger.Info("avatar disconnected")
	return nil
}

// teardownLocked stops recording, detaches the handle, cancels timers and
// polls, clears the guard and speaking flags and sets idle. Network and media
// shutdown happen afterwards in finishTeardown.
func (o *Orchestrator) teardownLocked() {
	if o.deps.Capture != nil && o.deps.Capture.Recording() {
		if _, err := o.deps.Capture.Stop(); err != nil {
			o.logger.Debug("discard recording", "error", err)
		}
	}
	if o.conn != nil {
		o.conn.cancel()
	}
	o.conn = nil
	o.connected = false
	o.releaseTurnLocked()
	wasSpeaking := o.speaking.speaking || o.speaking.visual
	o.speaking.reset()
	if wasSpeaking {
		o.emitLocked(Event{Type: EventSpeakingChanged, Source: sourceControl})
	}
	o.setStateLocked(StateIdle)
}

func (o *Orchestrator) finishTeardown(ctx context.Context, c *connection) {
	if c.stream.StreamID != "" {
		o.terminate(ctx, c.stream)
	}
	if c.media != nil {
		if err := c.media.Close(); err != nil {
			o.logger.Warn("close media session", "error", err)
		}
	}
}

func (o *Orchestrator) terminate(ctx context.Context, stream signaling.Stream) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer cancel()
	if !o.deps.Signaling.TerminateSession(ctx, o.cfg.AgentID, stream.StreamID, stream.SessionID) {
		o.logger.Warn("terminate avatar stream failed", "stream_id", stream.StreamID)
	}
}

func (o *Orchestrator) handlersFor(c *connection) media.Handlers {
	return media.Handlers{
		OnCandidate: func(cand *signaling.Candidate) {
			select {
			case c.candidates <- cand:
			case <-c.ctx.Done():
			}
		},
		OnControl: func(event media.ControlEvent, _ string) {
			o.onControl(c, event)
		},
		OnConnectionState: func(state media.ConnectionState) {
			o.onConnectionState(c, state)
		},
		OnTrack: func(kind string) {
			if kind == "video" {
				o.startDimensionPoll(c)
			}
		},
	}
}

// forwardCandidates sends candidates in generation order once the answer
// has been delivered. Failures are logged and skipped.
func (o *Orchestrator) forwardCandidates(c *connection) {
	select {
	case <-c.answered:
	case <-c.ctx.Done():
		return
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case cand := <-c.candidates:
			err := o.deps.Signaling.ExchangeCandidate(c.ctx, o.cfg.AgentID, c.stream.StreamID, c.stream.SessionID, cand)
			if err != nil && c.ctx.Err() == nil {
				o.logger.Warn("ice candidate exchange failed", "stream_id", c.stream.StreamID, "error", err)
			}
		}
	}
}

func (o *Orchestrator) onControl(c *connection, event media.ControlEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != c {
		return
	}
	o.logger.Debug("control event", "event", event.String(), "state", o.state)
	switch event {
	case media.ControlReady:
		o.markConnectedLocked()
	case media.ControlSpeechStarted, media.ControlSpeechDone:
		o.applySpeakingLocked(c, o.speaking.onControl(event))
	}
}

func (o *Orchestrator) onConnectionState(c *connection, state media.ConnectionState) {
	o.mu.Lock()
	if o.conn != c {
		o.mu.Unlock()
		return
	}
	switch state {
	case media.ConnectionConnected:
		o.markConnectedLocked()
		o.mu.Unlock()
	case media.ConnectionFailed:
		o.teardownLocked()
		o.setErrorLocked(MsgConnectionFailed)
		o.mu.Unlock()
		o.logger.Warn("peer connection failed")
		o.metrics.ObserveSessionEvent("connection_failed")
		go o.finishTeardown(context.Background(), c)
	default:
		o.mu.Unlock()
	}
}

func (o *Orchestrator) markConnectedLocked() {
	o.connected = true
	if o.state == StateConnecting {
		o.setStateLocked(StateReady)
	}
}

// applySpeakingLocked turns coordinator output into state transitions.
func (o *Orchestrator) applySpeakingLocked(c *connection, u speakingUpdate) {
	if u.empty() {
		return
	}
	if u.started {
		o.stopWatchdogLocked()
		o.awaitingSpeech = false
		if !o.speechAcceptedAt.IsZero() {
			waited := o.now().Sub(o.speechAcceptedAt)
			o.metrics.ObserveTurnStage("accept_to_speech_start", waited)
			o.metrics.ObserveTurnStage("accept_to_speech_start."+u.source, waited)
			o.speechAcceptedAt = time.Time{}
		}
		if o.state == StateProcessing || o.state == StateReady {
			o.setStateLocked(StateSpeaking)
		}
		if o.speaking.awaitingVisual {
			o.startVisualPollLocked(c)
		}
	}
	if u.stopped {
		switch {
		case o.state == StateSpeaking:
			o.releaseTurnLocked()
			o.setStateLocked(StateReady)
		case o.state == StateProcessing && o.awaitingSpeech:
			o.releaseTurnLocked()
			o.setStateLocked(StateReady)
		case o.state == StateProcessing && o.speechRequested:
			// Done raced the speech request; acceptSpeech settles the turn.
			o.speechDoneEarly = true
		}
	}
	if u.speakingChanged || u.visualChanged {
		o.metrics.ObserveSpeakingSignal(u.source, o.speaking.speaking)
		o.emitLocked(Event{
			Type:     EventSpeakingChanged,
			Speaking: o.speaking.speaking,
			Visual:   o.speaking.visual,
			Source:   u.source,
		})
	}
}

func (o *Orchestrator) startDimensionPoll(c *connection) {
	o.mu.Lock()
	if o.conn != c || c.polling {
		o.mu.Unlock()
		return
	}
	c.polling = true
	o.mu.Unlock()

	go func() {
		ticker := time.NewTicker(o.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if !o.sampleDimensions(c) {
					return
				}
			}
		}
	}()
}

// sampleDimensions reports whether polling should continue.
func (o *Orchestrator) sampleDimensions(c *connection) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != c || o.speaking.latched {
		return false
	}
	if c.media == nil {
		return true
	}
	w, h := c.media.FrameSize()
	o.applySpeakingLocked(c, o.speaking.onDimensions(w, h, o.now()))
	return true
}

func (o *Orchestrator) startVisualPollLocked(c *connection) {
	if c.visualPolling {
		return
	}
	c.visualPolling = true
	go func() {
		ticker := time.NewTicker(o.visualInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if !o.sampleVisual(c) {
					return
				}
			}
		}
	}()
}

func (o *Orchestrator) sampleVisual(c *connection) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != c {
		return false
	}
	if !o.speaking.awaitingVisual || c.media == nil {
		c.visualPolling = false
		return false
	}
	w, h := c.media.FrameSize()
	if !o.speaking.onVisualFrame(w, h) {
		return true
	}
	c.visualPolling = false
	o.emitLocked(Event{
		Type:     EventSpeakingChanged,
		Speaking: o.speaking.speaking,
		Visual:   true,
		Source:   sourceVisual,
	})
	return false
}

func (o *Orchestrator) stopWatchdogLocked() {
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
}

func (o *Orchestrator) releaseTurnLocked() {
	o.stopWatchdogLocked()
	o.turnInFlight = false
	o.awaitingSpeech = false
	o.speechRequested = false
	o.speechDoneEarly = false
	o.speechAcceptedAt = time.Time{}
	o.turnToken++
}

func (o *Orchestrator) setStateLocked(s State) {
	if o.state == s {
		return
	}
	prev := o.state
	o.state = s
	o.metrics.ObserveStateTransition(string(prev), string(s))
	o.logger.Debug("state changed", "from", prev, "to", s)
	o.emitLocked(Event{Type: EventStateChanged, State: s, PreviousState: prev})
}

func (o *Orchestrator) setErrorLocked(msg string) {
	o.errText = msg
	o.emitLocked(Event{Type: EventError, Error: msg})
}

func (o *Orchestrator) emitLocked(ev Event) {
	ev.At = o.now().UTC()
	if ev.Type != EventStateChanged {
		ev.State = o.state
	}
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events and a cancel func. Events are dropped
// for subscribers that fall more than a buffer behind; Snapshot resyncs them.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			close(ch)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		State:            o.state,
		Connected:        o.connected,
		Speaking:         o.speaking.speaking,
		VisualSpeaking:   o.speaking.visual,
		TurnInFlight:     o.turnInFlight,
		AuthorityLatched: o.speaking.latched,
		Error:            o.errText,
		Turns:            o.log.Turns(),
	}
	if o.deps.Capture != nil {
		snap.Recording = o.deps.Capture.Recording()
	}
	if o.conn != nil {
		snap.StreamID = o.conn.stream.StreamID
	}
	return snap
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Conversation returns the ordered log.
func (o *Orchestrator) Conversation() []conversation.Turn {
	return o.log.Turns()
}

func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.errText == "" {
		return
	}
	o.setErrorLocked("")
}

// ClearConversation empties the log. It is refused while a turn is in flight.
func (o *Orchestrator) ClearConversation() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turnInFlight {
		return ErrTurnInFlight
	}
	o.log.Clear()
	o.emitLocked(Event{Type: EventConversationCleared})
	return nil
}

// LiveVideo is the live-stream sink. It outlives individual connections.
func (o *Orchestrator) LiveVideo() *media.Relay {
	return o.relay
}
