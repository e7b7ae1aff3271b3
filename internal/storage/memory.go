package storage

import (
	"context"
	"fmt"
	"sync"

	"webvm-manager/internal/vm"
)

// MemRepository is an in-memory vm.Repository used when no database DSN is
// configured. History is lost on restart; fine for development and tests.
type MemRepository struct {
	mu        sync.RWMutex
	instances map[string]*vm.Instance
	execs     []*vm.Execution
	byExecID  map[string]*vm.Execution
	samples   []vm.UsageSample
}

// NewMemRepository creates an empty in-memory repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{
		instances: make(map[string]*vm.Instance),
		byExecID:  make(map[string]*vm.Execution),
	}
}

func (r *MemRepository) SaveInstance(_ context.Context, inst *vm.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inst
	r.instances[inst.ID] = &cp
	return nil
}

func (r *MemRepository) UpdateInstance(_ context.Context, inst *vm.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[inst.ID]; !ok {
		return fmt.Errorf("%w: instance %s", vm.ErrNotFound, inst.ID)
	}
	cp := *inst
	r.instances[inst.ID] = &cp
	return nil
}

func (r *MemRepository) SaveExecution(_ context.Context, exec *vm.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *exec
	r.execs = append(r.execs, &cp)
	r.byExecID[exec.ID] = &cp
	return nil
}

func (r *MemRepository) GetExecution(_ context.Context, id string) (*vm.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.byExecID[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", vm.ErrNotFound, id)
	}
	cp := *exec
	return &cp, nil
}

func (r *MemRepository) ListExecutions(_ context.Context, instanceID string, limit int) ([]*vm.Execution, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Newest first, matching the SQL repository's ordering.
	var out []*vm.Execution
	for i := len(r.execs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.execs[i].InstanceID == instanceID {
			cp := *r.execs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemRepository) SaveSamples(_ context.Context, samples []vm.UsageSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, samples...)
	return nil
}

// SampleCount reports how many samples have been stored.
func (r *MemRepository) SampleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples)
}

func (r *MemRepository) Close() {}
