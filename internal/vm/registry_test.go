package vm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testInstance(id, owner string, status Status) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:           id,
		OwnerID:      owner,
		Name:         "test",
		Status:       status,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestRegistryAddGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(testInstance("i1", "alice", StatusRunning)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := r.Get("i1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerID != "alice" {
		t.Errorf("OwnerID = %q", got.OwnerID)
	}

	if err := r.Add(testInstance("i1", "bob", StatusRunning)); err == nil {
		t.Error("duplicate Add should fail")
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(testInstance("i1", "alice", StatusRunning))

	a, _ := r.Get("i1")
	a.Name = "mutated"

	b, _ := r.Get("i1")
	if b.Name != "test" {
		t.Error("Get leaked internal state")
	}
}

func TestRegistryUpdateAborts(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(testInstance("i1", "alice", StatusRunning))

	boom := errors.New("nope")
	if _, err := r.Update("i1", func(in *Instance) error {
		in.Name = "changed"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Update error = %v", err)
	}

	got, _ := r.Get("i1")
	if got.Name != "test" {
		t.Error("aborted update must not change the instance")
	}

	if _, err := r.Update("missing", func(*Instance) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}
}

func TestRegistryCounts(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(testInstance("i1", "alice", StatusRunning))
	_ = r.Add(testInstance("i2", "alice", StatusTerminated))
	_ = r.Add(testInstance("i3", "bob", StatusPaused))

	if got := r.CountByOwner("alice"); got != 1 {
		t.Errorf("CountByOwner(alice) = %d, want 1 (terminated excluded)", got)
	}
	if got := r.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if got := len(r.List("alice")); got != 2 {
		t.Errorf("List(alice) = %d entries, want 2", got)
	}
	if got := len(r.List("")); got != 3 {
		t.Errorf("List(all) = %d entries, want 3", got)
	}
}

func TestBeginExecutionSingleFlight(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(testInstance("i1", "alice", StatusRunning))

	cancel := func() {}
	if err := r.BeginExecution("i1", cancel); err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}
	if err := r.BeginExecution("i1", cancel); !errors.Is(err, ErrExecutionInFlight) {
		t.Errorf("second BeginExecution = %v, want ErrExecutionInFlight", err)
	}

	r.EndExecution("i1")
	if err := r.BeginExecution("i1", cancel); err != nil {
		t.Errorf("BeginExecution after release: %v", err)
	}
}

func TestBeginExecutionRequiresRunning(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(testInstance("i1", "alice", StatusPaused))

	if err := r.BeginExecution("i1", func() {}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("BeginExecution on paused = %v, want ErrNotRunning", err)
	}
}

func TestCancelExecution(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(testInstance("i1", "alice", StatusRunning))

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.BeginExecution("i1", cancel); err != nil {
		t.Fatal(err)
	}

	r.CancelExecution("i1")
	select {
	case <-ctx.Done():
	default:
		t.Error("run context not cancelled")
	}

	// Cancelling with nothing in flight is a no-op.
	r.EndExecution("i1")
	r.CancelExecution("i1")
	r.CancelExecution("missing")
}

func TestAppendSampleRetention(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(testInstance("i1", "alice", StatusRunning))

	base := time.Now().UTC()
	retention := time.Minute

	for i := 0; i < 5; i++ {
		s := UsageSample{
			InstanceID: "i1",
			CPUPercent: float64(10 * i),
			MemoryMB:   float64(100 + i),
			Timestamp:  base.Add(time.Duration(i-4) * 30 * time.Second),
		}
		if err := r.AppendSample("i1", s, retention); err != nil {
			t.Fatal(err)
		}
	}

	samples, err := r.Samples("i1")
	if err != nil {
		t.Fatal(err)
	}
	// Samples older than one minute before the latest are pruned: of the
	// five at -120s, -90s, -60s, -30s, 0s, the first two must be gone.
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}

	inst, _ := r.Get("i1")
	if inst.Usage.CPUPercent != 40 || inst.Usage.MemoryMB != 104 {
		t.Errorf("Usage not mirrored from latest sample: %+v", inst.Usage)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(testInstance("i1", "alice", StatusTerminated))
	r.Remove("i1")
	if _, err := r.Get("i1"); !errors.Is(err, ErrNotFound) {
		t.Error("instance still present after Remove")
	}
}
