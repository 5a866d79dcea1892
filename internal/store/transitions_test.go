package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call", "PENDING", true},
		{"call", "CALLED", false},
		{"serve", "CALLED", true},
		{"serve", "PENDING", false},
		{"serve", "SERVED", false},
		{"cancel", "PENDING", true},
		{"cancel", "CALLED", true},
		{"cancel", "SERVED", false},
		{"cancel", "CANCELLED", false},
		{"skip", "PENDING", true},
		{"skip", "CALLED", true},
		{"skip", "MISSED", false},
		{"unknown", "PENDING", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	for action, want := range map[string]string{
		"call":   "CALLED",
		"serve":  "SERVED",
		"cancel": "CANCELLED",
		"skip":   "MISSED",
	} {
		got, ok := TargetStatus(action)
		if !ok || got != want {
			t.Fatalf("TargetStatus(%q)=%q,%v want %q", action, got, ok, want)
		}
	}
	if _, ok := TargetStatus("recall"); ok {
		t.Fatalf("expected unknown action to have no target")
	}
}

func TestIsDomainError(t *testing.T) {
	if !IsDomainError(fmt.Errorf("wrapped: %w", ErrQueueAtCapacity)) {
		t.Fatalf("expected wrapped capacity error to be a domain error")
	}
	if IsDomainError(errors.New("connection refused")) {
		t.Fatalf("expected plain error not to be a domain error")
	}
	if IsDomainError(ErrStorageUnavailable) {
		t.Fatalf("storage errors are infrastructure errors")
	}
}
