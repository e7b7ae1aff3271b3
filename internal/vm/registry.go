package vm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Registry is the in-memory table of live instances. The outer lock only
// guards the map; each entry carries its own mutex so operations on
// different instances never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu        sync.Mutex
	inst      *Instance
	inFlight  bool
	cancelRun context.CancelFunc
	samples   []UsageSample
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Add inserts a new instance.
func (r *Registry) Add(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[inst.ID]; ok {
		return fmt.Errorf("instance %s already registered", inst.ID)
	}
	r.entries[inst.ID] = &entry{inst: inst.clone()}
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a copy of an instance.
func (r *Registry) Get(id string) (*Instance, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst.clone(), nil
}

// Update applies fn to a working copy under the entry lock and swaps it in
// on success. A non-nil error from fn leaves the instance untouched.
func (r *Registry) Update(id string, fn func(*Instance) error) (*Instance, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.inst.clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	e.inst = work
	return work.clone(), nil
}

// Remove drops an instance from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// List returns copies of all instances, or only those owned by ownerID when
// it is non-empty.
func (r *Registry) List(ownerID string) []*Instance {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*Instance, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if ownerID == "" || e.inst.OwnerID == ownerID {
			out = append(out, e.inst.clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Count returns the number of registered instances in non-terminal states.
func (r *Registry) Count() int {
	return len(r.countBy(""))
}

// CountByOwner returns the owner's non-terminal instance count.
func (r *Registry) CountByOwner(ownerID string) int {
	return len(r.countBy(ownerID))
}

func (r *Registry) countBy(ownerID string) []string {
	var ids []string
	for _, inst := range r.List(ownerID) {
		if !inst.Status.Terminal() {
			ids = append(ids, inst.ID)
		}
	}
	return ids
}

// BeginExecution reserves the instance's single execution slot. The run
// cancel function is kept so termination can abort an in-flight run.
func (r *Registry) BeginExecution(id string, cancel context.CancelFunc) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inst.Status != StatusRunning {
		return fmt.Errorf("%w: status is %s", ErrNotRunning, e.inst.Status)
	}
	if e.inFlight {
		return ErrExecutionInFlight
	}
	e.inFlight = true
	e.cancelRun = cancel
	return nil
}

// EndExecution releases the execution slot.
func (r *Registry) EndExecution(id string) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	e.inFlight = false
	e.cancelRun = nil
	e.mu.Unlock()
}

// CancelExecution aborts any in-flight run for the instance.
func (r *Registry) CancelExecution(id string) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	cancel := e.cancelRun
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// AppendSample records a usage sample, prunes history older than retention,
// and mirrors the latest values into the instance's Usage field.
func (r *Registry) AppendSample(id string, s UsageSample, retention time.Duration) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, s)

	cutoff := s.Timestamp.Add(-retention)
	kept := e.samples[:0]
	for _, old := range e.samples {
		if !old.Timestamp.Before(cutoff) {
			kept = append(kept, old)
		}
	}
	e.samples = kept

	e.inst.Usage = Usage{
		CPUPercent: s.CPUPercent,
		MemoryMB:   s.MemoryMB,
		DiskMB:     s.DiskMB,
	}
	return nil
}

// Samples returns a copy of the instance's retained usage history.
func (r *Registry) Samples(id string) ([]UsageSample, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]UsageSample(nil), e.samples...), nil
}
