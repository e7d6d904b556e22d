package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarchat/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	voiceID        string
	turns          int
	chunkMS        int
	realtime       float64
	wavPath        string
	connectTimeout time.Duration
	turnTimeout    time.Duration
	interTurnDelay time.Duration
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	UserID  string `json:"user_id,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Speaking  bool   `json:"speaking,omitempty"`
	Source    string `json:"source,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	TextDelta string `json:"text_delta,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var defaultUtterances = []string{
	"안녕하세요, 오늘 기분이 어때요?",
	"Reply in three words: how are you?",
	"오늘 운세 알려줘",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "avatarprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "avatarprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var connectMS, turnMS, interTurnMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "avatarchat base URL")
	flag.StringVar(&cfg.userID, "user-id", "probe", "user_id used for the probe session")
	flag.StringVar(&cfg.voiceID, "voice-id", "", "optional voice_id for the avatar")
	flag.IntVar(&cfg.turns, "turns", 3, "number of turns to run")
	flag.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file to send as a recorded turn instead of text")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&connectMS, "connect-timeout-ms", 20000, "timeout waiting for the avatar to become ready")
	flag.IntVar(&turnMS, "turn-timeout-ms", 45000, "timeout waiting for a turn to return to ready")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 500, "delay between turns in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	cfg.connectTimeout = time.Duration(max(connectMS, 1000)) * time.Millisecond
	cfg.turnTimeout = time.Duration(max(turnMS, 1000)) * time.Millisecond
	cfg.interTurnDelay = time.Duration(max(interTurnMS, 0)) * time.Millisecond

	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var pcm []byte
	sampleRate := 0
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		pcm, sampleRate, err = decodeWAVPCM16(data)
		if err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
	}

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	if cfg.verbose {
		fmt.Printf("avatarprobe: session=%s turns=%d\n", sessionID, cfg.turns)
	}
	connectStart := time.Now()
	if err := sendControl(conn, sessionID, protocol.ActionConnect); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	if err := awaitState(events, readErrCh, protocol.ActionConnect, "ready", cfg.connectTimeout); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("avatarprobe: connected in %s\n", time.Since(connectStart).Round(time.Millisecond))

	seq := 0
	var results []turnResult
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if pcm != nil {
			if err := sendRecordedTurn(conn, events, readErrCh, sessionID, pcm, sampleRate, cfg, &seq); err != nil {
				return fmt.Errorf("turn %d: %w", i+1, err)
			}
		}
		tracker := newTurnTracker(time.Now())
		if pcm == nil {
			if err := conn.WriteJSON(protocol.ClientText{Type: protocol.TypeClientText, SessionID: sessionID, Text: text}); err != nil {
				return fmt.Errorf("turn %d send text: %w", i+1, err)
			}
		}

		res, err := awaitTurn(events, readErrCh, tracker, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Printf("avatarprobe: turn %d/%d first_delta=%s speech_start=%s total=%s reply=%q\n",
				i+1, cfg.turns, fmtDur(res.firstDelta), fmtDur(res.speechStart), fmtDur(res.total), res.reply)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Printf("avatarprobe: %d turns, mean total=%s\n", len(results), fmtDur(meanTotal(results)))
	_ = sendControl(conn, sessionID, protocol.ActionDisconnect)
	if err := printServerLatency(ctx, httpClient, cfg.baseURL); err != nil && cfg.verbose {
		fmt.Fprintf(os.Stderr, "avatarprobe: latency snapshot: %v\n", err)
	}
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{UserID: cfg.userID, VoiceID: strings.TrimSpace(cfg.voiceID)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/avatar/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/avatar/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func printServerLatency(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	var snap struct {
		Stages []struct {
			Stage string  `json:"stage"`
			Count int     `json:"samples"`
			P50MS float64 `json:"p50_ms"`
			P95MS float64 `json:"p95_ms"`
		} `json:"stages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return err
	}
	for _, s := range snap.Stages {
		fmt.Printf("avatarprobe: server %-16s n=%-4d p50=%.0fms p95=%.0fms\n", s.Stage, s.Count, s.P50MS, s.P95MS)
	}
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/avatar/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case events <- env:
		default:
		}
	}
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
		TSMs:      time.Now().UnixMilli(),
	})
}

func awaitState(events <-chan wsEnvelope, readErrCh <-chan error, op, want string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeStateChanged):
				if env.State == want {
					return nil
				}
			case string(protocol.TypeErrorEvent):
				return fmt.Errorf("%s failed: %s (%s)", op, env.Detail, env.Code)
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s waiting for state %q", timeout, want)
		}
	}
}

func sendRecordedTurn(conn *websocket.Conn, events <-chan wsEnvelope, readErrCh <-chan error, sessionID string, pcm []byte, sampleRate int, cfg options, seq *int) error {
	if err := sendControl(conn, sessionID, protocol.ActionStartRecording); err != nil {
		return err
	}
	if err := awaitState(events, readErrCh, protocol.ActionStartRecording, "listening", cfg.connectTimeout); err != nil {
		return err
	}
	for _, chunk := range chunkPCM(pcm, sampleRate, cfg.chunkMS) {
		*seq++
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(chunk),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		d := time.Duration(float64(time.Duration(len(chunk))*time.Second/time.Duration(sampleRate*2)) / cfg.realtime)
		time.Sleep(max(d, 10*time.Millisecond))
	}
	return sendControl(conn, sessionID, protocol.ActionStopRecording)
}

// chunkPCM splits PCM16 mono audio into sample-aligned chunks of chunkMS.
func chunkPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	size := sampleRate * 2 * chunkMS / 1000
	size -= size % 2
	if size < 2 {
		size = 2
	}
	var out [][]byte
	for off := 0; off+1 < len(pcm); off += size {
		end := min(off+size, len(pcm))
		end -= (end - off) % 2
		out = append(out, pcm[off:end])
	}
	return out
}

type turnResult struct {
	firstDelta  time.Duration
	speechStart time.Duration
	total       time.Duration
	reply       string
}

// turnTracker follows one turn's server events until the avatar is ready
// again after processing.
type turnTracker struct {
	start      time.Time
	processing bool
	res        turnResult
}

var errTurnFailed = errors.New("turn failed")

func newTurnTracker(start time.Time) *turnTracker {
	return &turnTracker{start: start}
}

func (t *turnTracker) observe(env wsEnvelope, now time.Time) (bool, error) {
	elapsed := now.Sub(t.start)
	switch env.Type {
	case string(protocol.TypeAssistantDelta):
		if t.res.firstDelta == 0 {
			t.res.firstDelta = elapsed
		}
	case string(protocol.TypeConversationTurn):
		if env.Role == "assistant" {
			t.res.reply = env.Content
		}
	case string(protocol.TypeSpeakingChanged):
		if env.Speaking && t.res.speechStart == 0 {
			t.res.speechStart = elapsed
		}
	case string(protocol.TypeStateChanged):
		switch env.State {
		case "processing", "speaking":
			t.processing = true
		case "ready":
			if t.processing {
				t.res.total = elapsed
				return true, nil
			}
		case "idle", "error":
			return true, fmt.Errorf("%w: session went %s", errTurnFailed, env.State)
		}
	case string(protocol.TypeErrorEvent):
		if env.Code != "avatar_error" {
			return true, fmt.Errorf("%w: %s (%s)", errTurnFailed, env.Detail, env.Code)
		}
	}
	return false, nil
}

func awaitTurn(events <-chan wsEnvelope, readErrCh <-chan error, tracker *turnTracker, timeout time.Duration) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			done, err := tracker.observe(env, time.Now())
			if err != nil {
				return turnResult{}, err
			}
			if done {
				return tracker.res, nil
			}
		case err := <-readErrCh:
			return turnResult{}, err
		case <-timer.C:
			return turnResult{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func meanTotal(results []turnResult) time.Duration {
	if len(results) == 0 {
		return 0
	}
	var sum time.Duration
	for _, r := range results {
		sum += r.total
	}
	return sum / time.Duration(len(results))
}

func fmtDur(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

// decodeWAVPCM16 walks RIFF chunks so recordings with extra chunks or more
// than one channel are accepted; multi-channel audio is downmixed to mono.
func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if len(pcmData) == 0 {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}
	if audioFormat != 1 || bitsPerSamp != 16 {
		return nil, 0, fmt.Errorf("unsupported wav format %d/%d bits", audioFormat, bitsPerSamp)
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	frameBytes := int(channels) * 2
	if len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
