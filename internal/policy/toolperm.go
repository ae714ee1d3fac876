package policy

import "strings"

// Tier mirrors the agent hierarchy from the agent registry: tier 1 agents may
// orchestrate and delegate with the full tool surface, tiers 2/3 are
// restricted to a read-only default (GLOSSARY "Tier").
type Tier int

const (
	TierOrchestrator Tier = 1
	TierWorker       Tier = 2
	TierRestricted   Tier = 3
)

// allTools is the full tool surface available to a tier-1 agent.
var allTools = []string{
	"read_file", "write_file", "edit_file", "list_dir", "web_search", "read_url",
	"exec", "spawn_task", "delegate_task", "send_message", "read_messages",
}

// readOnlyTools is the default surface for tiers 2 and 3.
var readOnlyTools = []string{
	"read_file", "list_dir", "web_search", "read_url", "read_messages",
}

// ToolPermissions is an agent's declarative allow/block override, taken
// verbatim from its AgentConfig.ToolPermissions field (spec.md §3 Agent
// entity).
type ToolPermissions struct {
	Allowed []string
	Blocked []string
}

// ToolPermissionManager resolves a tier plus an optional per-agent override
// into the concrete allowed/disallowed tool lists a RuntimeOptions carries.
// No subclassing per tier (spec.md §9): tier is a plain integer and this
// manager is the single place capability sets get resolved from it.
type ToolPermissionManager struct{}

// NewToolPermissionManager constructs a stateless resolver. It carries no
// fields today; it exists as a named type so callers depend on an
// interface-shaped component rather than a free function, matching how the
// rest of the core exposes single-purpose managers.
func NewToolPermissionManager() *ToolPermissionManager {
	return &ToolPermissionManager{}
}

// Resolve computes the effective allowed/blocked tool lists for an agent.
// Defaults come from tier; overrides.Allowed adds to the default set,
// overrides.Blocked always wins over an allow, matching the teacher policy's
// deny-wins-over-allow precedent in AllowMCPTool.
func (m *ToolPermissionManager) Resolve(tier Tier, overrides *ToolPermissions) (allowed []string, blocked []string) {
	base := readOnlyTools
	if tier == TierOrchestrator {
		base = allTools
	}

	allowedSet := make(map[string]struct{}, len(base))
	for _, t := range base {
		allowedSet[t] = struct{}{}
	}
	blockedSet := make(map[string]struct{})

	if overrides != nil {
		for _, t := range overrides.Allowed {
			t = strings.TrimSpace(t)
			if t != "" {
				allowedSet[t] = struct{}{}
			}
		}
		for _, t := range overrides.Blocked {
			t = strings.TrimSpace(t)
			if t != "" {
				blockedSet[t] = struct{}{}
			}
		}
	}

	for t := range blockedSet {
		delete(allowedSet, t)
	}

	allowed = make([]string, 0, len(allowedSet))
	for t := range allowedSet {
		allowed = append(allowed, t)
	}
	blocked = make([]string, 0, len(blockedSet))
	for t := range blockedSet {
		blocked = append(blocked, t)
	}
	return allowed, blocked
}

// Allows reports whether a resolved permission set permits a given tool name.
func Allows(allowed []string, toolName string) bool {
	for _, t := range allowed {
		if t == toolName {
			return true
		}
	}
	return false
}
