package voice

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/avatarchat/internal/audio"
)

// HTTPTranscriber posts the clip as multipart field "audio" and expects
// {"text": "..."} back.
type HTTPTranscriber struct {
	url    string
	client *http.Client
}

func NewHTTPTranscriber(url string) *HTTPTranscriber {
	return &HTTPTranscriber{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, clip audio.Clip) (Transcript, error) {
	return postClip(ctx, t.client, uploadRequest{
		provider:  "http",
		url:       t.url,
		fileField: "audio",
		clip:      clip,
	})
}
