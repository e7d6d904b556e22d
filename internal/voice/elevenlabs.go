package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarchat/internal/audio"
)

type ElevenLabsConfig struct {
	APIKey     string
	BaseURL    string
	WSBaseURL  string
	STTModelID string
	Timeout    time.Duration
}

// ElevenLabsTranscriber uses the batch speech-to-text endpoint.
type ElevenLabsTranscriber struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsTranscriber(cfg ElevenLabsConfig) *ElevenLabsTranscriber {
	cfg = normalizeElevenLabs(cfg)
	return &ElevenLabsTranscriber{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func normalizeElevenLabs(cfg ElevenLabsConfig) ElevenLabsConfig {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		switch {
		case strings.HasPrefix(cfg.BaseURL, "https://"):
			cfg.WSBaseURL = "wss://" + strings.TrimPrefix(cfg.BaseURL, "https://")
		case strings.HasPrefix(cfg.BaseURL, "http://"):
			cfg.WSBaseURL = "ws://" + strings.TrimPrefix(cfg.BaseURL, "http://")
		default:
			cfg.WSBaseURL = "wss://api.elevenlabs.io"
		}
	}
	cfg.WSBaseURL = strings.TrimRight(cfg.WSBaseURL, "/")
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg
}

func (t *ElevenLabsTranscriber) Transcribe(ctx context.Context, clip audio.Clip) (Transcript, error) {
	headers := http.Header{}
	headers.Set("xi-api-key", t.cfg.APIKey)
	return postClip(ctx, t.client, uploadRequest{
		provider:  "elevenlabs",
		url:       t.cfg.BaseURL + "/v1/speech-to-text",
		fileField: "file",
		fields:    map[string]string{"model_id": t.cfg.STTModelID},
		headers:   headers,
		clip:      clip,
	})
}

// ElevenLabsRealtimeTranscriber streams the clip over the realtime
// speech-to-text websocket and waits for the committed transcript.
type ElevenLabsRealtimeTranscriber struct {
	cfg       ElevenLabsConfig
	chunkSize int
	dialer    *websocket.Dialer
}

func NewElevenLabsRealtimeTranscriber(cfg ElevenLabsConfig) *ElevenLabsRealtimeTranscriber {
	return &ElevenLabsRealtimeTranscriber{
		cfg:       normalizeElevenLabs(cfg),
		chunkSize: audio.DefaultSampleRate * 2 / 4, // 250ms of 16kHz PCM16
		dialer:    websocket.DefaultDialer,
	}
}

var errRealtimeClosed = errors.New("elevenlabs realtime stt closed before commit")

func (t *ElevenLabsRealtimeTranscriber) Transcribe(ctx context.Context, clip audio.Clip) (Transcript, error) {
	pcm, rate, err := audio.DecodeWAVPCM16LE(clip.Data)
	if err != nil {
		return Transcript{}, fmt.Errorf("realtime stt needs pcm16 wav: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	u, err := url.Parse(t.cfg.WSBaseURL + "/v1/speech-to-text/realtime")
	if err != nil {
		return Transcript{}, err
	}
	q := u.Query()
	q.Set("model_id", t.cfg.STTModelID)
	q.Set("commit_strategy", "manual")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", t.cfg.APIKey)
	conn, _, err := t.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return Transcript{}, fmt.Errorf("dial stt websocket: %w", err)
	}
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()
	go func() {
		<-ctx.Done()
		closeConn()
	}()

	result := make(chan realtimeResult, 1)
	go readCommitted(conn, result)

	for off := 0; off < len(pcm) || off == 0; off += t.chunkSize {
		end := off + t.chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteJSON(map[string]any{
			"message_type":  "input_audio_chunk",
			"audio_base_64": base64.StdEncoding.EncodeToString(pcm[off:end]),
			"commit":        end == len(pcm),
			"sample_rate":   rate,
		}); err != nil {
			return Transcript{}, fmt.Errorf("send audio chunk: %w", err)
		}
		if end == len(pcm) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	case r := <-result:
		if r.err != nil {
			return Transcript{}, r.err
		}
		return Transcript{Text: strings.TrimSpace(r.text), Provider: "elevenlabs_realtime"}, nil
	}
}

type realtimeResult struct {
	text string
	err  error
}

func readCommitted(conn *websocket.Conn, out chan<- realtimeResult) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			out <- realtimeResult{err: errRealtimeClosed}
			return
		}
		var raw struct {
			MessageType string `json:"message_type"`
			Text        string `json:"text"`
			Error       string `json:"error"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch raw.MessageType {
		case "committed_transcript", "committed_transcript_with_timestamps":
			out <- realtimeResult{text: raw.Text}
			return
		case "", "session_started", "partial_transcript", "input_audio_chunk":
		default:
			out <- realtimeResult{err: fmt.Errorf("elevenlabs realtime stt %s: %s", raw.MessageType, raw.Error)}
			return
		}
	}
}
