package ultrawork

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/agentswarm/internal/delegation"
	"github.com/basket/agentswarm/internal/enforcement"
)

func newTestDelegations() *delegation.Manager {
	agents := map[string]delegation.AgentInfo{
		"lead":   {AgentID: "lead", Tier: 1, CanDelegate: true, Enabled: true},
		"worker": {AgentID: "worker", Tier: 2, Enabled: true},
	}
	return delegation.New(delegation.Config{Lookup: func(id string) (delegation.AgentInfo, bool) {
		a, ok := agents[id]
		return a, ok
	}})
}

func TestRunStopsOnCompletionSignal(t *testing.T) {
	c := New(Config{}, newTestDelegations(), enforcement.New(), nil, nil)
	send := func(ctx context.Context, prompt string) (string, bool, error) {
		return "task finished, nothing more to do", false, nil
	}
	res, err := c.Run(context.Background(), "s1", "lead", "go", send)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Completed {
		t.Fatalf("expected completion with no checklist registered (vacuously complete), got %+v", res)
	}
	if len(res.Steps) != 1 {
		t.Fatalf("expected exactly one step before completing, got %d", len(res.Steps))
	}
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	c := New(Config{MaxSteps: 3}, newTestDelegations(), nil, nil, nil)
	calls := 0
	send := func(ctx context.Context, prompt string) (string, bool, error) {
		calls++
		return "still working", false, nil
	}
	res, err := c.Run(context.Background(), "s1", "lead", "go", send)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly maxSteps=3 lead invocations, got %d", calls)
	}
	if !res.StoppedSteps {
		t.Fatalf("expected StoppedSteps=true, got %+v", res)
	}
}

func TestRunReturnsTerminalFailure(t *testing.T) {
	c := New(Config{}, newTestDelegations(), nil, nil, nil)
	send := func(ctx context.Context, prompt string) (string, bool, error) {
		return "", true, nil
	}
	_, err := c.Run(context.Background(), "s1", "lead", "go", send)
	if !errors.Is(err, ErrTerminalFailure) {
		t.Fatalf("expected ErrTerminalFailure, got %v", err)
	}
}

func TestRunExecutesAllowedDelegationAndContinues(t *testing.T) {
	exec := func(ctx context.Context, toAgentID, prompt string) (string, error) {
		return "delegate done", nil
	}
	step := 0
	send := func(ctx context.Context, prompt string) (string, bool, error) {
		step++
		if step == 1 {
			return "DELEGATE::worker::do a subtask", false, nil
		}
		return "all done now", false, nil
	}
	c := New(Config{MaxSteps: 5}, newTestDelegations(), enforcement.New(), exec, nil)
	res, err := c.Run(context.Background(), "s1", "lead", "go", send)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Steps) < 1 || !res.Steps[0].Delegated {
		t.Fatalf("expected first step to record a delegation, got %+v", res.Steps)
	}
	if res.Steps[0].DelegationTo != "worker" {
		t.Fatalf("expected delegation target worker, got %q", res.Steps[0].DelegationTo)
	}
}

func TestRunStepTimeoutSurfacesAsError(t *testing.T) {
	c := New(Config{StepTimeout: 10 * time.Millisecond}, newTestDelegations(), nil, nil, nil)
	send := func(ctx context.Context, prompt string) (string, bool, error) {
		<-ctx.Done()
		return "", false, ctx.Err()
	}
	_, err := c.Run(context.Background(), "s1", "lead", "go", send)
	if !errors.Is(err, ErrStepTimeout) {
		t.Fatalf("expected ErrStepTimeout, got %v", err)
	}
}
