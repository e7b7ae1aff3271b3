package vm

import "context"

// Repository persists instances, executions, and usage samples. The manager
// treats persistence as best-effort for telemetry but mandatory for
// execution records.
type Repository interface {
	SaveInstance(ctx context.Context, inst *Instance) error
	UpdateInstance(ctx context.Context, inst *Instance) error

	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, instanceID string, limit int) ([]*Execution, error)

	SaveSamples(ctx context.Context, samples []UsageSample) error

	Close()
}
