package session

import (
	"testing"
	"time"
)

func TestRegistryRejectsSecondSessionForInterview(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	defer r.Close()

	first := NewMachine("sess-1", ModePractice)
	second := NewMachine("sess-2", ModePractice)

	if !r.Register(first, "itv-1", "user-1") {
		t.Fatal("first registration should succeed")
	}
	if r.Register(second, "itv-1", "user-2") {
		t.Error("second registration for the same interview should be refused")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, expected 1", r.Count())
	}

	// Removing the first frees the interview for a new session.
	r.Remove("sess-1")
	if !r.Register(second, "itv-1", "user-2") {
		t.Error("registration should succeed after the previous session is removed")
	}
}

func TestRegistryAllowsConcurrentGenerateSessions(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	defer r.Close()

	// Generate-mode sessions have no interview yet, so no exclusivity applies.
	if !r.Register(NewMachine("sess-1", ModeGenerate), "", "user-1") {
		t.Error("first generate session should register")
	}
	if !r.Register(NewMachine("sess-2", ModeGenerate), "", "user-1") {
		t.Error("second generate session should register")
	}
	if r.Count() != 2 {
		t.Errorf("count = %d, expected 2", r.Count())
	}
}

func TestRegistryExpiresIdleSessions(t *testing.T) {
	var expired []string
	r := NewRegistry(time.Minute, func(m *Machine) {
		expired = append(expired, m.ID())
	})
	defer r.Close()

	r.Register(NewMachine("sess-a", ModePractice), "itv-1", "user-1")
	r.Register(NewMachine("sess-b", ModePractice), "itv-2", "user-2")

	// Both just registered; a sweep inside the limit removes nothing.
	r.expireIdle(time.Now().Add(30 * time.Second))
	if r.Count() != 2 {
		t.Fatalf("count = %d, expected 2 before idling", r.Count())
	}
	if len(expired) != 0 {
		t.Fatalf("onExpire called %d times, expected 0", len(expired))
	}

	// A sweep past the idle limit abandons both.
	r.expireIdle(time.Now().Add(2 * time.Minute))
	if r.Count() != 0 {
		t.Errorf("count = %d, expected 0 after sweep", r.Count())
	}
	if len(expired) != 2 {
		t.Errorf("onExpire called %d times, expected 2", len(expired))
	}

	// Interview slot is released along with the session.
	if !r.Register(NewMachine("sess-new", ModePractice), "itv-1", "user-1") {
		t.Error("interview should be free after its session expired")
	}
}

func TestRegistryTouchUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	defer r.Close()

	r.Touch("missing")
	r.Remove("missing")
	if r.Count() != 0 {
		t.Errorf("count = %d, expected 0", r.Count())
	}
}
