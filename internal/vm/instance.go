// Package vm holds the instance lifecycle: the state machine, the registry
// of live instances, and the manager that coordinates policy, threat
// analysis, sandbox runs, and persistence.
package vm

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"webvm-manager/internal/env"
	"webvm-manager/internal/policy"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

// transitions is the legal lifecycle graph. Terminated is the only terminal
// state; error is reachable from every non-terminal state.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusRunning, StatusError, StatusTerminated},
	StatusRunning:      {StatusPaused, StatusStopped, StatusError, StatusTerminated},
	StatusPaused:       {StatusRunning, StatusStopped, StatusError, StatusTerminated},
	StatusStopped:      {StatusError, StatusTerminated},
	StatusError:        {StatusTerminated},
	StatusTerminated:   {},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(s)) {
	case StatusInitializing, StatusRunning, StatusPaused, StatusStopped, StatusError, StatusTerminated:
		return Status(strings.ToLower(s)), true
	}
	return "", false
}

// Usage is the latest observed resource consumption of an instance.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	DiskMB     float64 `json:"disk_mb"`
}

// UsageSample is one point in an instance's resource history.
type UsageSample struct {
	InstanceID      string    `json:"instance_id"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryMB        float64   `json:"memory_mb"`
	DiskMB          float64   `json:"disk_mb"`
	NetworkBytesIn  int64     `json:"network_bytes_in"`
	NetworkBytesOut int64     `json:"network_bytes_out"`
	Timestamp       time.Time `json:"timestamp"`
}

// Instance is one sandboxed environment owned by a user.
type Instance struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Kind          env.Kind      `json:"kind"`
	Status        Status        `json:"status"`
	SecurityLevel policy.Level  `json:"security_level"`
	Limits        policy.Limits `json:"limits"`
	// MaxExecutionSecs is the per-run wall clock ceiling from the policy.
	MaxExecutionSecs   int               `json:"max_execution_secs"`
	Usage              Usage             `json:"usage"`
	NetworkEnabled     bool              `json:"network_enabled"`
	Persistent         bool              `json:"persistent"`
	EnvVars            map[string]string `json:"env_vars,omitempty"`
	BlockedCommands    []string          `json:"blocked_commands,omitempty"`
	RestrictedSyscalls []string          `json:"restricted_syscalls,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	LastActivity       time.Time         `json:"last_activity"`
	TerminatedAt       *time.Time        `json:"terminated_at,omitempty"`
	StartupMS          int64             `json:"startup_ms"`
	TotalRuntimeSecs   int64             `json:"total_runtime_secs"`
	ExecutionCount     int64             `json:"execution_count"`
}

// clone deep-copies the instance so registry internals never leak.
func (in *Instance) clone() *Instance {
	out := *in
	if in.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(in.EnvVars))
		for k, v := range in.EnvVars {
			out.EnvVars[k] = v
		}
	}
	out.BlockedCommands = append([]string(nil), in.BlockedCommands...)
	out.RestrictedSyscalls = append([]string(nil), in.RestrictedSyscalls...)
	if in.TerminatedAt != nil {
		t := *in.TerminatedAt
		out.TerminatedAt = &t
	}
	return &out
}

// NewInstanceID mints an identifier like webvm_1f8a9c2d03b4e5f6.
func NewInstanceID() string {
	return "webvm_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewExecutionID mints an identifier like exec_9b1c2d3e4f5a6b7c.
func NewExecutionID() string {
	return "exec_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
