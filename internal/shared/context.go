package shared

import "context"

type runKey struct{}
type taskKey struct{}
type agentKey struct{}
type delegationHopKey struct{}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAgentID attaches the acting agent_id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

// AgentID extracts agent_id from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithDelegationHop stamps the current delegation hop count on the context.
// Each successful delegation increments this before invoking the target agent,
// so DelegationManager can reject chains exceeding the configured hop limit.
func WithDelegationHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, delegationHopKey{}, hop)
}

// DelegationHop returns the current delegation hop count, 0 if absent.
func DelegationHop(ctx context.Context) int {
	if v, ok := ctx.Value(delegationHopKey{}).(int); ok {
		return v
	}
	return 0
}
