package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/ent0n29/avatarchat/internal/audio"
	"github.com/ent0n29/avatarchat/internal/reliability"
)

// StatusError is a non-2xx transcription response.
type StatusError struct {
	Provider  string
	Status    int
	Body      string
	Retryable bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s stt status %d: %s", e.Provider, e.Status, e.Body)
}

type uploadRequest struct {
	provider  string
	url       string
	fileField string
	fields    map[string]string
	headers   http.Header
	clip      audio.Clip
}

func postClip(ctx context.Context, client *http.Client, req uploadRequest) (Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range req.fields {
		if err := mw.WriteField(k, v); err != nil {
			return Transcript{}, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := mw.CreateFormFile(req.fileField, clipFilename(req.clip))
	if err != nil {
		return Transcript{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.clip.Data); err != nil {
		return Transcript{}, fmt.Errorf("write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.url, &body)
	if err != nil {
		return Transcript{}, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := client.Do(httpReq)
	if err != nil {
		return Transcript{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Transcript{}, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Transcript{}, &StatusError{
			Provider:  req.provider,
			Status:    res.StatusCode,
			Body:      strings.TrimSpace(string(raw)),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Transcript{}, fmt.Errorf("decode %s transcript: %w", req.provider, err)
	}
	return Transcript{Text: strings.TrimSpace(out.Text), Provider: req.provider}, nil
}

func clipFilename(clip audio.Clip) string {
	switch clip.MimeType {
	case "audio/webm":
		return "recording.webm"
	case "audio/ogg":
		return "recording.ogg"
	default:
		return "recording.wav"
	}
}
