package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ent0n29/avatarchat/internal/audio"
)

// NewFailoverTranscriber prefers primary and switches to fallback when
// primary fails. Once fallback succeeds it stays active until it fails; then
// primary is retried.
func NewFailoverTranscriber(primary, fallback Transcriber) Transcriber {
	return &failoverTranscriber{primary: primary, fallback: fallback}
}

type failoverTranscriber struct {
	primary        Transcriber
	fallback       Transcriber
	fallbackActive atomic.Bool
}

func (f *failoverTranscriber) Transcribe(ctx context.Context, clip audio.Clip) (Transcript, error) {
	if f.fallbackActive.Load() {
		out, fbErr := f.fallback.Transcribe(ctx, clip)
		if fbErr == nil {
			return out, nil
		}
		if canceled(ctx, fbErr) {
			return Transcript{}, fbErr
		}
		out, prErr := f.primary.Transcribe(ctx, clip)
		if prErr == nil {
			f.fallbackActive.Store(false)
			return out, nil
		}
		return Transcript{}, fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	out, prErr := f.primary.Transcribe(ctx, clip)
	if prErr == nil {
		return out, nil
	}
	if canceled(ctx, prErr) {
		return Transcript{}, prErr
	}
	out, fbErr := f.fallback.Transcribe(ctx, clip)
	if fbErr != nil {
		return Transcript{}, fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	f.fallbackActive.Store(true)
	return out, nil
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
