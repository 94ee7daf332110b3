package common

import (
	"errors"
	"strings"
	"testing"
)

func TestGuardReportsPausedModule(t *testing.T) {
	set := NewPauseSet("Reserve")

	err := Guard(set, "reserve")
	if !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if !strings.Contains(err.Error(), "reserve") {
		t.Fatalf("expected module name in error, got %q", err.Error())
	}

	set.Set("reserve", false)
	if err := Guard(set, "reserve"); err != nil {
		t.Fatalf("expected resumed module to pass, got %v", err)
	}
}

func TestGuardIgnoresNilView(t *testing.T) {
	if err := Guard(nil, "reserve"); err != nil {
		t.Fatalf("nil view should never block: %v", err)
	}
	var set *PauseSet
	if set.IsPaused("reserve") {
		t.Fatalf("nil set should report unpaused")
	}
}
