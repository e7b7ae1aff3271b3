package vm

import (
	"time"

	"webvm-manager/internal/enrich"
	"webvm-manager/internal/threat"
)

// ExecStatus is the lifecycle state of a single code run.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecTimedOut  ExecStatus = "timed_out"
)

// Execution is the permanent record of one code run. Every run that reaches
// the sandbox produces exactly one Execution, whatever its outcome.
type Execution struct {
	ID            string           `json:"id"`
	InstanceID    string           `json:"instance_id"`
	OwnerID       string           `json:"owner_id"`
	Language      string           `json:"language"`
	Code          string           `json:"code"`
	Stdin         string           `json:"stdin,omitempty"`
	Stdout        string           `json:"stdout"`
	Stderr        string           `json:"stderr"`
	ExitCode      int              `json:"exit_code"`
	Status        ExecStatus       `json:"status"`
	Duration      time.Duration    `json:"duration"`
	MemoryPeakMB  int64            `json:"memory_peak_mb"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Threats       *threat.Report   `json:"threats,omitempty"`
	Feedback      *enrich.Feedback `json:"feedback,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}
