package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"webvm-manager/internal/vm"
)

func TestSampleWriterFlushesOnShutdown(t *testing.T) {
	repo := NewMemRepository()
	w := NewSampleWriter(repo, 16, time.Hour)
	w.Start()

	for i := 0; i < 5; i++ {
		w.Enqueue(vm.UsageSample{InstanceID: "webvm_w1", CPUPercent: float64(i)})
	}
	w.Flush(2 * time.Second)

	if got := repo.SampleCount(); got != 5 {
		t.Errorf("stored %d samples, want 5", got)
	}
}

func TestSampleWriterDropsWhenFull(t *testing.T) {
	repo := NewMemRepository()
	// Buffer of one with a loop that is not started: the second Enqueue
	// must drop, not block.
	w := NewSampleWriter(repo, 1, time.Hour)

	w.Enqueue(vm.UsageSample{InstanceID: "webvm_w1"})
	done := make(chan struct{})
	go func() {
		w.Enqueue(vm.UsageSample{InstanceID: "webvm_w1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full buffer")
	}
}

func TestMemRepositoryExecutions(t *testing.T) {
	repo := NewMemRepository()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.SaveExecution(ctx, &vm.Execution{
			ID:         vm.NewExecutionID(),
			InstanceID: "webvm_m1",
			Status:     vm.ExecCompleted,
			StartedAt:  time.Now().UTC(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	_ = repo.SaveExecution(ctx, &vm.Execution{ID: "exec_other", InstanceID: "webvm_m2"})

	list, err := repo.ListExecutions(ctx, "webvm_m1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("got %d executions, want 2", len(list))
	}

	if _, err := repo.GetExecution(ctx, "exec_other"); err != nil {
		t.Errorf("GetExecution: %v", err)
	}
	if _, err := repo.GetExecution(ctx, "exec_missing"); !errors.Is(err, vm.ErrNotFound) {
		t.Errorf("GetExecution(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemRepositoryUpdateUnknownInstance(t *testing.T) {
	repo := NewMemRepository()
	err := repo.UpdateInstance(context.Background(), &vm.Instance{ID: "webvm_x"})
	if !errors.Is(err, vm.ErrNotFound) {
		t.Errorf("UpdateInstance = %v, want ErrNotFound", err)
	}
}
