package session

import (
	"context"
	"testing"
	"time"

	"github.com/ent0n29/avatarchat/internal/audio"
	"github.com/ent0n29/avatarchat/internal/avatar"
)

func testFactory(s Session) Runtime {
	return Runtime{
		Avatar:  avatar.New(avatar.Config{SessionID: s.ID, UserID: s.UserID}, avatar.Deps{}),
		Capture: audio.NewStreamCapture(time.Minute),
	}
}

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute, testFactory, nil)
	s, rt := m.Create(CreateRequest{UserID: "u1", VoiceID: "v1"})
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}
	if rt.Avatar == nil || rt.Capture == nil {
		t.Fatalf("runtime not built: %+v", rt)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.VoiceID != "v1" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if _, err := m.Runtime(s.ID); err != nil {
		t.Fatalf("Runtime() error = %v", err)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.Runtime(s.ID); err != ErrNotFound {
		t.Fatalf("Runtime() after End error = %v, want ErrNotFound", err)
	}
	if got := rt.Avatar.State(); got != avatar.StateIdle {
		t.Fatalf("avatar state = %q, want idle", got)
	}
}

func TestManagerReplacesUserSession(t *testing.T) {
	m := NewManager(time.Minute, testFactory, nil)
	first, _ := m.Create(CreateRequest{UserID: "u1"})
	second, _ := m.Create(CreateRequest{UserID: "u1"})

	got, err := m.Get(first.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("first status = %q, want %q", got.Status, StatusEnded)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
	if _, err := m.Runtime(second.ID); err != nil {
		t.Fatalf("Runtime(second) error = %v", err)
	}
}

func TestManagerUnknownSession(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)
	if _, err := m.Get("missing"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if err := m.Touch("missing"); err != ErrNotFound {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
	if _, err := m.End("missing"); err != ErrNotFound {
		t.Fatalf("End() error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30*time.Millisecond, testFactory, nil)
	s, _ := m.Create(CreateRequest{UserID: "u1"})
	expired := make(chan string, 1)
	m.SetExpireHook(func(s *Session) { expired <- s.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired %q, want %q", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("session was not expired")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestExpireHookGetsSnapshotIndependentOfTouch(t *testing.T) {
	m := NewManager(20*time.Millisecond, testFactory, nil)
	s, _ := m.Create(CreateRequest{UserID: "u1"})

	type seen struct {
		id     string
		status Status
		last   time.Time
	}
	got := make(chan seen, 1)
	m.SetExpireHook(func(x *Session) {
		// Touch keeps writing the live entry while the hook reads its copy.
		touched := make(chan struct{})
		go func() {
			defer close(touched)
			for i := 0; i < 100; i++ {
				_ = m.Touch(s.ID)
			}
		}()
		v := seen{id: x.ID, status: x.Status, last: x.LastActivityAt}
		<-touched
		got <- v
	})

	time.Sleep(30 * time.Millisecond)
	expiredAt := time.Now().UTC()
	m.expireInactive()

	select {
	case x := <-got:
		if x.id != s.ID || x.status != StatusEnded {
			t.Fatalf("hook session = %+v, want %s ended", x, s.ID)
		}
		if x.last.After(expiredAt.Add(time.Second)) || x.last.Before(s.StartedAt) {
			t.Fatalf("hook LastActivityAt = %v, want expiry time", x.last)
		}
	case <-time.After(time.Second):
		t.Fatalf("expire hook not called")
	}

	live, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if live.Status != StatusEnded {
		t.Fatalf("live status = %q, want ended", live.Status)
	}
}
