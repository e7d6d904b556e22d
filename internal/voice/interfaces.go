package voice

import (
	"context"

	"github.com/ent0n29/avatarchat/internal/audio"
)

// Transcript is a finished transcription. Empty text is a valid result.
type Transcript struct {
	Text     string
	Provider string
}

// Transcriber turns one recorded clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, clip audio.Clip) (Transcript, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, clip audio.Clip) (Transcript, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, clip audio.Clip) (Transcript, error) {
	return f(ctx, clip)
}
