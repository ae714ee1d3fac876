// Package wave implements C8 WaveExecutor: sequential waves of
// dependency-ordered tasks where each wave's tasks run concurrently with
// atomic claiming and fail-forward semantics. Grounded on
// zkoranges-go-claw/internal/coordinator/executor.go's per-wave iteration
// and concurrent task dispatch, generalized from its DB-chat-task waiter to
// an in-process concurrent map with a durable atomic-claim CAS.
package wave

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/agentswarm/internal/persistence"
)

// Task is one unit of work inside a Wave (spec.md §3 Task, §4.8).
type Task struct {
	ID      string
	AgentID string
	Payload string
}

// Wave is a set of tasks that run concurrently once the prior wave completes.
type Wave struct {
	Number int
	Tasks  []Task
}

// Status is the outcome of running one task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// TaskResult is one task's outcome within a wave.
type TaskResult struct {
	TaskID string
	Status Status
	Result string
	Err    error
}

// Executor runs a Task's payload against its agent and returns a result
// string or an error.
type Executor func(ctx context.Context, task Task) (string, error)

// WaveExecutor is C8.
type WaveExecutor struct {
	store *persistence.Store
}

// New constructs a WaveExecutor. store may be nil for in-memory-only claims
// (tests); production wiring always supplies a Store so claims survive a
// crash mid-wave.
func New(store *persistence.Store) *WaveExecutor {
	return &WaveExecutor{store: store}
}

// Run executes waves sequentially; within a wave, tasks run concurrently.
// Failed tasks do not cancel their siblings, and the executor proceeds to
// the next wave regardless of failures in the prior one (spec.md §4.8).
func (w *WaveExecutor) Run(ctx context.Context, planID string, waves []Wave, exec Executor) (map[string]TaskResult, error) {
	results := make(map[string]TaskResult)
	var resultsMu sync.Mutex

	for _, wv := range waves {
		if w.store != nil {
			for _, t := range wv.Tasks {
				_ = w.store.CreateWaveTask(ctx, t.ID, planID, wv.Number, t.AgentID, t.Payload)
			}
		}

		var wg sync.WaitGroup
		for _, t := range wv.Tasks {
			wg.Add(1)
			go func(t Task) {
				defer wg.Done()
				res := w.runOne(ctx, t, exec)
				resultsMu.Lock()
				results[t.ID] = res
				resultsMu.Unlock()
			}(t)
		}
		wg.Wait()
	}

	return results, nil
}

func (w *WaveExecutor) runOne(ctx context.Context, t Task, exec Executor) TaskResult {
	if w.store != nil {
		claimed, err := w.store.ClaimWaveTask(ctx, t.ID)
		if err != nil {
			return TaskResult{TaskID: t.ID, Status: StatusFailed, Err: fmt.Errorf("wave: claim %q: %w", t.ID, err)}
		}
		if !claimed {
			return TaskResult{TaskID: t.ID, Status: StatusSkipped}
		}
	}

	result, err := exec(ctx, t)
	if err != nil {
		if w.store != nil {
			_ = w.store.FailWaveTask(ctx, t.ID, err.Error())
		}
		return TaskResult{TaskID: t.ID, Status: StatusFailed, Err: err}
	}

	if w.store != nil {
		_ = w.store.CompleteWaveTask(ctx, t.ID, result)
	}
	return TaskResult{TaskID: t.ID, Status: StatusCompleted, Result: result}
}
