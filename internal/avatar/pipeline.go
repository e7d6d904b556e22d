package avatar

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ent0n29/avatarchat/internal/audio"
	"github.com/ent0n29/avatarchat/internal/brain"
	"github.com/ent0n29/avatarchat/internal/conversation"
	"github.com/ent0n29/avatarchat/internal/memory"
	"github.com/ent0n29/avatarchat/internal/voice"
)

// turn identifies one pipeline run. A turn is current while its connection
// is the live handle and its token matches the guard.
type turn struct {
	conn    *connection
	token   uint64
	started time.Time
}

// SendMessage runs a text turn. Sending while listening discards the
// recording. It returns after the speech request was accepted or the turn
// was recovered to ready.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	o.mu.Lock()
	t, err := o.beginTurnLocked()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if o.state == StateListening && o.deps.Capture != nil && o.deps.Capture.Recording() {
		if _, err := o.deps.Capture.Stop(); err != nil {
			o.logger.Debug("discard recording", "error", err)
		}
	}
	o.setStateLocked(StateProcessing)
	o.mu.Unlock()
	traceAccepted(ctx)

	return o.runTurn(ctx, t, text, nil)
}

// StartRecording begins audio capture. A device failure is surfaced and
// leaves the session connected. While already listening it is a no-op unless
// the capture stopped underneath.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.turnAllowedLocked(); err != nil {
		return err
	}
	if o.state == StateListening {
		if o.deps.Capture != nil && o.deps.Capture.Recording() {
			return nil
		}
		// The audio source went away; restart on whatever is attached now.
		o.setStateLocked(StateReady)
	}
	if o.deps.Capture == nil {
		return o.deviceErrorLocked(audio.ErrDeviceUnavailable)
	}
	if err := o.deps.Capture.Start(ctx); err != nil {
		return o.deviceErrorLocked(err)
	}
	o.setStateLocked(StateListening)
	return nil
}

func (o *Orchestrator) deviceErrorLocked(err error) error {
	o.setErrorLocked(MsgMicrophone)
	o.logger.Warn("start recording failed", "error", err)
	return &Error{Kind: KindDevice, Op: "start_recording", Message: MsgMicrophone, Err: err}
}

// StopRecording hands the captured clip to the pipeline and runs the turn.
func (o *Orchestrator) StopRecording(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateListening {
		o.mu.Unlock()
		return ErrNotRecording
	}
	if o.deps.Capture == nil || !o.deps.Capture.Recording() {
		// The audio source went away mid-recording.
		o.setStateLocked(StateReady)
		o.mu.Unlock()
		return ErrNotRecording
	}
	clip, err := o.deps.Capture.Stop()
	if err != nil {
		o.setStateLocked(StateReady)
		e := o.deviceErrorLocked(err)
		o.mu.Unlock()
		return e
	}
	t, err := o.beginTurnLocked()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.setStateLocked(StateProcessing)
	o.mu.Unlock()
	traceAccepted(ctx)

	return o.runTurn(ctx, t, "", &clip)
}

func (o *Orchestrator) turnAllowedLocked() error {
	if o.conn == nil || !o.connected {
		return ErrNotConnected
	}
	if o.turnInFlight || o.state == StateProcessing || o.state == StateSpeaking {
		return ErrTurnInFlight
	}
	return nil
}

func (o *Orchestrator) beginTurnLocked() (turn, error) {
	if err := o.turnAllowedLocked(); err != nil {
		return turn{}, err
	}
	o.turnInFlight = true
	o.turnToken++
	return turn{conn: o.conn, token: o.turnToken, started: o.now()}, nil
}

func (o *Orchestrator) currentLocked(t turn) bool {
	return o.conn == t.conn && o.turnInFlight && o.turnToken == t.token
}

// runTurn executes transcribe, generate and speech request. Results that
// arrive after the turn was superseded are discarded.
func (o *Orchestrator) runTurn(ctx context.Context, t turn, text string, clip *audio.Clip) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.conn.ctx, cancel)
	defer stop()

	if clip != nil {
		transcript, err := o.transcribe(ctx, *clip)
		if err != nil {
			return o.failTurn(t, "transcribe", MsgTranscription, err)
		}
		text = strings.TrimSpace(transcript.Text)
		if conversation.Blank(text) {
			o.logger.Info("empty transcription")
			o.recoverTurn(t)
			return nil
		}
	}

	userTurn, history, ok := o.appendTurn(t, conversation.RoleUser, text)
	if !ok {
		return ErrSuperseded
	}
	o.persist(userTurn)

	if o.deps.Brain == nil {
		return o.failTurn(t, "generate", MsgChat, errors.New("no language model configured"))
	}
	genStart := o.now()
	resp, err := o.deps.Brain.StreamResponse(ctx, brain.Request{
		Messages:     history,
		SystemPrompt: o.cfg.SystemPrompt,
	}, func(delta string) error {
		return o.emitDelta(t, delta)
	})
	if err != nil {
		return o.failTurn(t, "generate", MsgChat, err)
	}
	o.metrics.ObserveTurnStage("generate", o.now().Sub(genStart))

	assistantTurn, _, ok := o.appendTurn(t, conversation.RoleAssistant, resp.Text)
	if !ok {
		return ErrSuperseded
	}
	o.persist(assistantTurn)

	if !o.markSpeechRequested(t) {
		return ErrSuperseded
	}
	speechStart := o.now()
	stream := t.conn.stream
	if err := o.deps.Signaling.RequestSpeech(ctx, o.cfg.AgentID, stream.StreamID, stream.SessionID, speechText(resp.Text), o.cfg.VoiceID); err != nil {
		return o.failTurn(t, "speech_request", MsgSpeak, err)
	}
	o.metrics.ObserveTurnStage("speech_request", o.now().Sub(speechStart))
	o.acceptSpeech(t)
	o.metrics.ObserveTurnStage("turn_total", o.now().Sub(t.started))
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, clip audio.Clip) (voice.Transcript, error) {
	if o.deps.Transcriber == nil {
		return voice.Transcript{}, errors.New("no transcriber configured")
	}
	start := o.now()
	transcript, err := o.deps.Transcriber.Transcribe(ctx, clip)
	if err == nil {
		o.metrics.ObserveTurnStage("transcribe", o.now().Sub(start))
	}
	return transcript, err
}

// appendTurn records a turn. For user turns it also returns the full history
// to submit, including the new turn.
func (o *Orchestrator) appendTurn(t turn, role conversation.Role, content string) (conversation.Turn, []conversation.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(t) {
		return conversation.Turn{}, nil, false
	}
	appended := o.log.Append(role, content)
	o.emitLocked(Event{Type: EventTurnAppended, Turn: &appended})
	var history []conversation.Message
	if role == conversation.RoleUser {
		history = o.log.Messages()
	}
	return appended, history, true
}

func (o *Orchestrator) emitDelta(t turn, delta string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(t) {
		return ErrSuperseded
	}
	o.emitLocked(Event{Type: EventAssistantDelta, Delta: delta})
	return nil
}

// failTurn recovers a failed stage: the message is surfaced, the guard
// released and the state returned to ready.
func (o *Orchestrator) failTurn(t turn, stage, msg string, err error) error {
	o.mu.Lock()
	if !o.currentLocked(t) {
		o.mu.Unlock()
		return ErrSuperseded
	}
	o.setErrorLocked(msg)
	o.releaseTurnLocked()
	if o.state == StateProcessing {
		o.setStateLocked(StateReady)
	}
	o.mu.Unlock()

	o.logger.Warn("turn stage failed", "stage", stage, "error", err)
	o.metrics.ObserveProviderError(stage, "failed")
	return &Error{Kind: KindPipeline, Op: stage, Message: msg, Err: err}
}

func (o *Orchestrator) recoverTurn(t turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(t) {
		return
	}
	o.releaseTurnLocked()
	if o.state == StateProcessing {
		o.setStateLocked(StateReady)
	}
}

// acceptSpeech hands state advancement to control events and arms the
// watchdog. Nothing is armed if speech already started.
func (o *Orchestrator) acceptSpeech(t turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(t) || o.state != StateProcessing {
		return
	}
	if o.speechDoneEarly {
		o.logger.Debug("speech finished before the request returned")
		o.metrics.ObserveTurnIndicator("speech_done_during_request")
		o.releaseTurnLocked()
		o.setStateLocked(StateReady)
		return
	}
	o.awaitingSpeech = true
	o.speechAcceptedAt = o.now()
	o.stopWatchdogLocked()
	o.watchdog = time.AfterFunc(o.watchdogTimeout, func() {
		o.onWatchdog(t)
	})
}

func (o *Orchestrator) markSpeechRequested(t turn) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(t) {
		return false
	}
	o.speechRequested = true
	return true
}

func (o *Orchestrator) onWatchdog(t turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(t) || !o.awaitingSpeech {
		return
	}
	o.logger.Warn("no speech event before watchdog expiry", "timeout", o.watchdogTimeout)
	o.metrics.ObserveTurnIndicator("speech_watchdog_expired")
	o.watchdog = nil
	o.releaseTurnLocked()
	if o.state == StateProcessing {
		o.setStateLocked(StateReady)
	}
}

func (o *Orchestrator) persist(t conversation.Turn) {
	if o.deps.Store == nil {
		return
	}
	record := memory.TurnRecord{
		ID:        t.ID,
		UserID:    o.cfg.UserID,
		SessionID: o.cfg.SessionID,
		AgentID:   o.cfg.AgentID,
		Role:      string(t.Role),
		Content:   t.Content,
		CreatedAt: t.Timestamp,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.deps.Store.SaveTurn(ctx, record); err != nil {
			o.logger.Warn("persist turn failed", "turn_id", record.ID, "error", err)
		}
	}()
}
