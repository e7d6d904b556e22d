package conversation

import (
	"testing"
	"time"
)

func TestLogAppendOrderAndProjection(t *testing.T) {
	l := NewLog()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	u := l.Append(RoleUser, "안녕")
	a := l.Append(RoleAssistant, "어서 오세요")
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	if u.ID == "" || u.ID == a.ID {
		t.Fatalf("turn ids = %q/%q, want unique non-empty", u.ID, a.ID)
	}
	if !u.Timestamp.Equal(fixed) {
		t.Fatalf("Timestamp = %v, want %v", u.Timestamp, fixed)
	}

	turns := l.Turns()
	if turns[0] != u || turns[1] != a {
		t.Fatalf("Turns() = %+v, want insertion order", turns)
	}
	msgs := l.Messages()
	want := []Message{{RoleUser, "안녕"}, {RoleAssistant, "어서 오세요"}}
	for i := range want {
		if msgs[i] != want[i] {
			t.Fatalf("Messages()[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestLogTurnsReturnsCopy(t *testing.T) {
	l := NewLog()
	l.Append(RoleUser, "a")
	turns := l.Turns()
	turns[0].Content = "mutated"
	if got := l.Turns()[0].Content; got != "a" {
		t.Fatalf("stored content = %q, want %q", got, "a")
	}
}

func TestLogClear(t *testing.T) {
	l := NewLog()
	l.Append(RoleUser, "a")
	l.Clear()
	if l.Len() != 0 || len(l.Messages()) != 0 {
		t.Fatalf("log not empty after Clear")
	}
}

func TestBlank(t *testing.T) {
	for _, s := range []string{"", "  ", "\n\t"} {
		if !Blank(s) {
			t.Fatalf("Blank(%q) = false, want true", s)
		}
	}
	if Blank(" 네 ") {
		t.Fatalf("Blank(%q) = true, want false", " 네 ")
	}
}
