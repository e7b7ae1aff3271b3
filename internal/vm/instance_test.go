package vm

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusInitializing, StatusRunning, true},
		{StatusInitializing, StatusError, true},
		{StatusInitializing, StatusTerminated, true},
		{StatusInitializing, StatusPaused, false},
		{StatusInitializing, StatusStopped, false},

		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusStopped, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusTerminated, true},
		{StatusRunning, StatusInitializing, false},

		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusStopped, true},
		{StatusPaused, StatusTerminated, true},

		{StatusStopped, StatusRunning, false},
		{StatusStopped, StatusTerminated, true},
		{StatusStopped, StatusError, true},

		{StatusError, StatusTerminated, true},
		{StatusError, StatusRunning, false},

		{StatusTerminated, StatusRunning, false},
		{StatusTerminated, StatusError, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestErrorReachableFromEveryNonTerminalState(t *testing.T) {
	for _, s := range []Status{StatusInitializing, StatusRunning, StatusPaused, StatusStopped} {
		if !s.CanTransition(StatusError) {
			t.Errorf("error must be reachable from %s", s)
		}
	}
}

func TestTerminatedIsOnlyTerminalState(t *testing.T) {
	all := []Status{StatusInitializing, StatusRunning, StatusPaused, StatusStopped, StatusError, StatusTerminated}
	for _, s := range all {
		if s.Terminal() != (s == StatusTerminated) {
			t.Errorf("Terminal(%s) = %v", s, s.Terminal())
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus("PAUSED"); !ok || s != StatusPaused {
		t.Errorf("ParseStatus(PAUSED) = %v, %v", s, ok)
	}
	if _, ok := ParseStatus("hibernating"); ok {
		t.Error("expected failure for unknown status")
	}
}

func TestInstanceCloneIsolation(t *testing.T) {
	now := time.Now()
	orig := &Instance{
		ID:                 NewInstanceID(),
		EnvVars:            map[string]string{"A": "1"},
		BlockedCommands:    []string{"rm"},
		RestrictedSyscalls: []string{"mount"},
		TerminatedAt:       &now,
	}

	c := orig.clone()
	c.EnvVars["A"] = "changed"
	c.BlockedCommands[0] = "changed"
	c.RestrictedSyscalls[0] = "changed"
	*c.TerminatedAt = c.TerminatedAt.Add(time.Hour)

	if orig.EnvVars["A"] != "1" {
		t.Error("clone shares EnvVars map")
	}
	if orig.BlockedCommands[0] != "rm" {
		t.Error("clone shares BlockedCommands slice")
	}
	if orig.RestrictedSyscalls[0] != "mount" {
		t.Error("clone shares RestrictedSyscalls slice")
	}
	if !orig.TerminatedAt.Equal(now) {
		t.Error("clone shares TerminatedAt pointer")
	}
}

func TestNewInstanceID(t *testing.T) {
	a, b := NewInstanceID(), NewInstanceID()
	if a == b {
		t.Error("ids must be unique")
	}
	if len(a) != len("webvm_")+16 {
		t.Errorf("unexpected id shape: %q", a)
	}
}
