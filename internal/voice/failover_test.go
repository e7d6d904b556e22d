package voice

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/avatarchat/internal/audio"
)

func TestFailoverTranscriberSwitchesAndStays(t *testing.T) {
	primary := NewMockTranscriber("primary")
	fallback := NewMockTranscriber("fallback")
	primary.SetResult("", errors.New("primary down"))
	tr := NewFailoverTranscriber(primary, fallback)
	clip := audio.Clip{Data: []byte{1}}

	out, err := tr.Transcribe(context.Background(), clip)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if out.Text != "fallback" {
		t.Fatalf("Text = %q, want fallback", out.Text)
	}

	primary.SetResult("primary", nil)
	if _, err := tr.Transcribe(context.Background(), clip); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if primary.Calls() != 1 {
		t.Fatalf("primary calls = %d, want 1 while fallback active", primary.Calls())
	}

	fallback.SetResult("", errors.New("fallback down"))
	out, err = tr.Transcribe(context.Background(), clip)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if out.Text != "primary" {
		t.Fatalf("Text = %q, want primary after fallback failure", out.Text)
	}
}

func TestFailoverTranscriberBothFail(t *testing.T) {
	primary := NewMockTranscriber("")
	fallback := NewMockTranscriber("")
	primary.SetResult("", errors.New("a"))
	fallback.SetResult("", errors.New("b"))
	if _, err := NewFailoverTranscriber(primary, fallback).Transcribe(context.Background(), audio.Clip{}); err == nil {
		t.Fatalf("Transcribe() error = nil, want error")
	}
}

func TestFailoverTranscriberDoesNotFailOverOnCancel(t *testing.T) {
	primary := NewMockTranscriber("p")
	fallback := NewMockTranscriber("f")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFailoverTranscriber(primary, fallback).Transcribe(ctx, audio.Clip{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Transcribe() error = %v, want context.Canceled", err)
	}
	if fallback.Calls() != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.Calls())
	}
}
