package monitor

import (
	"context"
	"math/rand"
	"sync"

	"webvm-manager/internal/vm"
)

// SyntheticSource produces plausible usage readings with a bounded random
// walk per instance. Executions run in short-lived containers, so there is
// no continuous cgroup to read between runs; the walk keeps dashboards and
// anomaly detection exercised. Readings start near idle and drift, anchored
// to the instance's last observed usage.
type SyntheticSource struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last map[string]vm.UsageSample
}

// NewSyntheticSource creates a source seeded for reproducible tests when
// seed is non-zero.
func NewSyntheticSource(seed int64) *SyntheticSource {
	if seed == 0 {
		seed = rand.Int63()
	}
	return &SyntheticSource{
		rng:  rand.New(rand.NewSource(seed)),
		last: make(map[string]vm.UsageSample),
	}
}

// Sample returns the next reading for the instance.
func (s *SyntheticSource) Sample(_ context.Context, inst *vm.Instance) (vm.UsageSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.last[inst.ID]
	if !ok {
		prev = vm.UsageSample{
			CPUPercent: 2 + s.rng.Float64()*3,
			MemoryMB:   float64(inst.Limits.MemoryMB) * 0.1,
			DiskMB:     float64(inst.Limits.DiskMB) * 0.05,
		}
	}

	next := vm.UsageSample{
		InstanceID:      inst.ID,
		CPUPercent:      walk(s.rng, prev.CPUPercent, 10, 0, float64(inst.Limits.CPUCores)*100),
		MemoryMB:        walk(s.rng, prev.MemoryMB, 8, 0, float64(inst.Limits.MemoryMB)),
		DiskMB:          walk(s.rng, prev.DiskMB, 2, 0, float64(inst.Limits.DiskMB)),
		NetworkBytesIn:  prev.NetworkBytesIn,
		NetworkBytesOut: prev.NetworkBytesOut,
	}
	if inst.NetworkEnabled {
		next.NetworkBytesIn += int64(s.rng.Intn(4096))
		next.NetworkBytesOut += int64(s.rng.Intn(2048))
	}

	s.last[inst.ID] = next
	return next, nil
}

// Forget drops walk state for an instance, typically after termination.
func (s *SyntheticSource) Forget(instanceID string) {
	s.mu.Lock()
	delete(s.last, instanceID)
	s.mu.Unlock()
}

func walk(rng *rand.Rand, v, step, min, max float64) float64 {
	v += (rng.Float64()*2 - 1) * step
	if v < min {
		v = min
	}
	if max > 0 && v > max {
		v = max
	}
	return v
}
