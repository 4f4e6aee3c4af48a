package db

import (
	"testing"
	"time"
)

func TestReactivatorRunOnce(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "spent@x.com", time.Now())
	seedAccount(t, s, "recent@x.com", time.Now())
	seedAccount(t, s, "healthy@x.com", time.Now())

	// One exhaustion past the cooldown, one still inside it.
	if err := s.MarkAccountExhausted("spent@x.com", time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("exhaust spent: %v", err)
	}
	if err := s.MarkAccountExhausted("recent@x.com", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("exhaust recent: %v", err)
	}

	r := NewReactivator(s, time.Minute, time.Hour)
	if got := r.RunOnce(); got != 1 {
		t.Fatalf("RunOnce reactivated %d, want 1", got)
	}

	spent, err := s.GetAccount("spent@x.com")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !spent.IsActive || spent.ExhaustedAt != nil {
		t.Errorf("spent account not restored: active=%v exhaustedAt=%v", spent.IsActive, spent.ExhaustedAt)
	}

	recent, _ := s.GetAccount("recent@x.com")
	if recent.IsActive || recent.ExhaustedAt == nil {
		t.Errorf("recent exhaustion should persist: active=%v", recent.IsActive)
	}

	// A second sweep finds nothing new.
	if got := r.RunOnce(); got != 0 {
		t.Errorf("second sweep reactivated %d, want 0", got)
	}
}
