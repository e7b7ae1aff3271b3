// Package sandbox executes untrusted code inside isolated containers. Two
// backends are supported: containerd (Linux) and the Docker CLI (everything
// else). The Sandbox wrapper folds backend-level timeout and OOM errors into
// the result so callers get one outcome shape for every run.
package sandbox

import (
	"context"
	"errors"
	"time"

	"webvm-manager/internal/env"
	"webvm-manager/internal/policy"
)

// Output caps. Anything beyond these is cut and marked.
const (
	MaxStdoutBytes = 1 << 20    // 1MB
	MaxStderrBytes = 256 * 1024 // 256KB
)

// Conventional exit codes for killed runs.
const (
	ExitTimeout = 124
	ExitKilled  = 137
)

// Request describes one code run.
type Request struct {
	InstanceID         string            `json:"instance_id"`
	Kind               env.Kind          `json:"kind"`
	Code               string            `json:"code"`
	Stdin              string            `json:"stdin,omitempty"`
	Timeout            time.Duration     `json:"timeout"`
	Limits             policy.Limits     `json:"limits"`
	NetworkEnabled     bool              `json:"network_enabled"`
	RestrictedSyscalls []string          `json:"restricted_syscalls,omitempty"`
	EnvVars            map[string]string `json:"env_vars,omitempty"`
}

// Result is the outcome of one run. A Result is returned even for timed out
// and memory-killed runs; whatever output was captured before the kill is
// preserved, truncated to the caps.
type Result struct {
	ID             string        `json:"id"`
	Stdout         string        `json:"stdout"`
	Stderr         string        `json:"stderr"`
	ExitCode       int           `json:"exit_code"`
	Duration       time.Duration `json:"duration"`
	MemoryPeakMB   int64         `json:"memory_peak_mb"`
	TimedOut       bool          `json:"timed_out"`
	MemoryExceeded bool          `json:"memory_exceeded"`
	CodeHash       string        `json:"code_hash"`
}

// Backend is a container engine that can run requests.
type Backend interface {
	Bootstrap(ctx context.Context, kind env.Kind) error
	Execute(ctx context.Context, req Request) (*Result, error)
	Close() error
}

// Sandbox wraps a Backend and normalizes its outcomes: a timeout or memory
// kill is a Result with the matching flag and exit code, not an error. Only
// infrastructure failures surface as errors.
type Sandbox struct {
	backend Backend
}

// New creates a Sandbox on top of a backend.
func New(backend Backend) *Sandbox {
	return &Sandbox{backend: backend}
}

// Bootstrap prepares the environment for a kind, pulling its image if needed.
func (s *Sandbox) Bootstrap(ctx context.Context, kind env.Kind) error {
	return s.backend.Bootstrap(ctx, kind)
}

// Run executes a request and folds kill outcomes into the result.
func (s *Sandbox) Run(ctx context.Context, req Request) (*Result, error) {
	res, err := s.backend.Execute(ctx, req)

	switch {
	case errors.Is(err, ErrTimeout):
		if res == nil {
			res = &Result{}
		}
		res.TimedOut = true
		res.ExitCode = ExitTimeout
		return res, nil

	case errors.Is(err, ErrOOM):
		if res == nil {
			res = &Result{}
		}
		res.MemoryExceeded = true
		res.ExitCode = ExitKilled
		return res, nil

	case err != nil:
		return nil, err
	}

	// Docker reports an OOM kill only through the exit code.
	if res.ExitCode == ExitKilled {
		res.MemoryExceeded = true
	}

	return res, nil
}

// Close shuts down the underlying backend.
func (s *Sandbox) Close() error {
	return s.backend.Close()
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
