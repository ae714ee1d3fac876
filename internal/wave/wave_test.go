package wave

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/basket/agentswarm/internal/persistence"
)

func TestRunFailForwardWithinWave(t *testing.T) {
	w := New(nil)
	waves := []Wave{
		{Number: 0, Tasks: []Task{{ID: "a", AgentID: "x"}, {ID: "b", AgentID: "x"}}},
	}
	exec := func(ctx context.Context, task Task) (string, error) {
		if task.ID == "a" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	}
	results, err := w.Run(context.Background(), "plan1", waves, exec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results["a"].Status != StatusFailed {
		t.Fatalf("expected task a failed, got %+v", results["a"])
	}
	if results["b"].Status != StatusCompleted {
		t.Fatalf("expected task b completed despite sibling failure, got %+v", results["b"])
	}
}

func TestRunProceedsToNextWaveRegardlessOfFailures(t *testing.T) {
	w := New(nil)
	var wave1Ran atomic.Bool
	waves := []Wave{
		{Number: 0, Tasks: []Task{{ID: "a", AgentID: "x"}}},
		{Number: 1, Tasks: []Task{{ID: "b", AgentID: "x"}}},
	}
	exec := func(ctx context.Context, task Task) (string, error) {
		if task.ID == "a" {
			return "", fmt.Errorf("boom")
		}
		wave1Ran.Store(true)
		return "ok", nil
	}
	results, err := w.Run(context.Background(), "plan2", waves, exec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !wave1Ran.Load() {
		t.Fatalf("expected wave 1 to run despite wave 0 failure")
	}
	if results["b"].Status != StatusCompleted {
		t.Fatalf("expected task b completed, got %+v", results["b"])
	}
}

func TestAtomicClaimPreventsDoubleExecution(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wave.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	w := New(store)
	var execCount atomic.Int32
	var wg sync.WaitGroup

	// Two executors racing to claim and run the same task ID; exactly one
	// must see it as claimed (the other observes it already gone from pending).
	taskID := "shared-task"
	runOnce := func() TaskResult {
		return w.runOne(context.Background(), Task{ID: taskID, AgentID: "x"}, func(ctx context.Context, task Task) (string, error) {
			execCount.Add(1)
			return "done", nil
		})
	}

	if err := store.CreateWaveTask(context.Background(), taskID, "plan3", 0, "x", ""); err != nil {
		t.Fatalf("create wave task: %v", err)
	}

	results := make([]TaskResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = runOnce()
		}(i)
	}
	wg.Wait()

	if execCount.Load() != 1 {
		t.Fatalf("expected exactly one execution of the shared task, got %d", execCount.Load())
	}

	var completed, skipped int
	for _, r := range results {
		switch r.Status {
		case StatusCompleted:
			completed++
		case StatusSkipped:
			skipped++
		}
	}
	if completed != 1 || skipped != 1 {
		t.Fatalf("expected one completed and one skipped, got completed=%d skipped=%d", completed, skipped)
	}
}
