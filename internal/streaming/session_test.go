package streaming

import (
	"errors"
	"testing"
)

func TestSessionLifecycle(t *testing.T) {
	tr := NewTracker(nil)

	s := tr.Create("user-1", "req-1", "openai", "gpt-4o")
	if s.Status != StatusConnecting {
		t.Fatalf("new session status = %s, want connecting", s.Status)
	}

	if err := tr.Activate(s.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ := tr.Get(s.ID)
	if got.Status != StatusActive {
		t.Fatalf("status = %s after activate, want active", got.Status)
	}

	if err := tr.RecordChunk(s.ID, 7); err != nil {
		t.Fatalf("record chunk: %v", err)
	}
	if err := tr.Complete(s.ID, true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ = tr.Get(s.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.EndTime == nil {
		t.Error("completed session must have an end time")
	}
	if got.TotalChunks != 1 || got.TotalTokens != 7 {
		t.Errorf("accounting = %d chunks / %d tokens, want 1/7", got.TotalChunks, got.TotalTokens)
	}
}

func TestSessionTerminalStatesAreFinal(t *testing.T) {
	tr := NewTracker(nil)

	s := tr.Create("user-1", "req-1", "openai", "gpt-4o")
	if err := tr.Complete(s.ID, false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := tr.Get(s.ID)
	if got.Status != StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}

	if err := tr.Complete(s.ID, true); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete on terminal session: expected ErrInvalidTransition, got %v", err)
	}
	if err := tr.Activate(s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("activate on terminal session: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSessionActivateRequiresConnecting(t *testing.T) {
	tr := NewTracker(nil)

	s := tr.Create("user-1", "req-1", "openai", "gpt-4o")
	if err := tr.Activate(s.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := tr.Activate(s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double activate: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSessionProgress(t *testing.T) {
	tr := NewTracker(nil)
	s := tr.Create("user-1", "req-1", "openai", "gpt-4o")
	_ = tr.Activate(s.ID)

	tests := []struct {
		chunks int
		want   float64
	}{
		{0, 0},
		{3, 30},
		{10, 95},
		{50, 95},
	}
	recorded := 0
	for _, tc := range tests {
		for ; recorded < tc.chunks; recorded++ {
			_ = tr.RecordChunk(s.ID, 1)
		}
		got, err := tr.Progress(s.ID)
		if err != nil {
			t.Fatalf("progress at %d chunks: %v", tc.chunks, err)
		}
		if got != tc.want {
			t.Errorf("progress at %d chunks = %.1f, want %.1f", tc.chunks, got, tc.want)
		}
	}

	_ = tr.Complete(s.ID, true)
	if got, _ := tr.Progress(s.ID); got != 100 {
		t.Errorf("terminal progress = %.1f, want 100", got)
	}
}

func TestSessionUnknownID(t *testing.T) {
	tr := NewTracker(nil)

	if _, err := tr.Get("ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("get: expected ErrSessionNotFound, got %v", err)
	}
	if err := tr.Complete("ghost", true); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("complete: expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRemove(t *testing.T) {
	tr := NewTracker(nil)
	s := tr.Create("user-1", "req-1", "openai", "gpt-4o")

	tr.Remove(s.ID)
	if tr.Len() != 0 {
		t.Fatalf("len = %d after remove, want 0", tr.Len())
	}
}
