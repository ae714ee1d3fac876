// Package delegation implements C7 DelegationManager: parses DELEGATE
// blocks emitted by Tier-1 agents, validates them against tier/cycle/format
// rules, and executes them while tracking active delegation edges to
// prevent loops. Grounded on
// zkoranges-go-claw/internal/coordinator/executor.go's execCb/notifyCb
// indirection and internal/persistence/delegations.go's durable record.
package delegation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentswarm/internal/persistence"
)

// delegatePattern matches `DELEGATE::<toAgentId>::<task>` (s-flag multiline,
// spec.md §4.7).
var delegatePattern = regexp.MustCompile(`(?s)DELEGATE::([A-Za-z0-9_\-]+)::(.+?)(?:\n\n|$)`)

// formatHeaders is the six-section discipline a recognized delegation
// candidate must carry in full (spec.md §4.7 "Format gate").
var formatHeaders = []string{
	"TASK:", "EXPECTED OUTCOME:", "MUST DO:", "MUST NOT DO:", "REQUIRED TOOLS:", "CONTEXT:",
}

// ErrMissingSections is returned when a recognized delegation candidate is
// missing one or more of the six required sections.
type ErrMissingSections struct {
	Missing []string
}

func (e *ErrMissingSections) Error() string {
	return fmt.Sprintf("delegation: missing required sections: %s", strings.Join(e.Missing, ", "))
}

// Request describes a parsed delegation awaiting validation/execution.
type Request struct {
	ID          string
	FromAgentID string
	ToAgentID   string
	Task        string
	Prompt      string // full prompt built for the child agent (identity + task + discipline)
}

// ParsedResponse is what ParseDelegation returns: the visible content with
// the DELEGATE block stripped, plus the extracted request if one was found.
type ParsedResponse struct {
	VisibleContent string
	Request        *Request
}

// ParseDelegation strips a DELEGATE::<toAgentId>::<task> block from content
// and returns the remaining visible text plus the parsed request, if any.
func ParseDelegation(fromAgentID, content string) ParsedResponse {
	loc := delegatePattern.FindStringSubmatchIndex(content)
	if loc == nil {
		return ParsedResponse{VisibleContent: content}
	}
	toAgentID := content[loc[2]:loc[3]]
	task := strings.TrimSpace(content[loc[4]:loc[5]])
	visible := strings.TrimSpace(content[:loc[0]] + content[loc[1]:])
	return ParsedResponse{
		VisibleContent: visible,
		Request: &Request{
			ToAgentID:   toAgentID,
			Task:        task,
			FromAgentID: fromAgentID,
		},
	}
}

// CheckFormatGate implements spec.md §4.7's hard format validator. A
// candidate is "recognized" if it contains any of the six headers; if
// recognized, it must contain all six.
func CheckFormatGate(content string) error {
	var present, missing []string
	for _, h := range formatHeaders {
		if strings.Contains(content, h) {
			present = append(present, h)
		} else {
			missing = append(missing, h)
		}
	}
	if len(present) == 0 {
		return nil // not a delegation candidate at all
	}
	if len(missing) > 0 {
		return &ErrMissingSections{Missing: missing}
	}
	return nil
}

// AgentInfo is the delegation-relevant slice of spec.md §3's Agent entity.
type AgentInfo struct {
	AgentID     string
	Tier        int
	CanDelegate bool
	Enabled     bool
}

// AgentLookup resolves agent metadata for delegation validation.
type AgentLookup func(agentID string) (AgentInfo, bool)

// ExecCallback runs the delegated task against the child agent and returns
// its response text.
type ExecCallback func(ctx context.Context, toAgentID, prompt string) (string, error)

// NotifyCallback optionally announces a delegation to the originating channel.
type NotifyCallback func(fromAgentID, toAgentID, task string)

// Manager is C7 DelegationManager.
type Manager struct {
	lookup AgentLookup
	store  *persistence.Store

	edgesMu sync.Mutex
	edges   map[edge]bool
}

type edge struct {
	from, to string
}

// Config wires a Manager's dependencies.
type Config struct {
	Lookup AgentLookup
	Store  *persistence.Store
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	return &Manager{
		lookup: cfg.Lookup,
		store:  cfg.Store,
		edges:  make(map[edge]bool),
	}
}

// IsDelegationAllowed implements spec.md §4.7's isDelegationAllowed(from, to).
func (m *Manager) IsDelegationAllowed(from, to string) (bool, string) {
	fromInfo, ok := m.lookup(from)
	if !ok || !fromInfo.CanDelegate || fromInfo.Tier != 1 {
		return false, "delegating agent lacks delegation rights"
	}
	toInfo, ok := m.lookup(to)
	if !ok || !toInfo.Enabled {
		return false, "target agent is disabled or unknown"
	}
	if from == to {
		return false, "self-delegation is not allowed"
	}

	m.edgesMu.Lock()
	defer m.edgesMu.Unlock()
	if m.edges[edge{from, to}] {
		return false, "circular delegation"
	}
	if m.edges[edge{to, from}] {
		return false, "reverse-circular delegation"
	}
	return true, ""
}

// BuildPrompt assembles the delegation prompt for a Tier-1-originated
// request including identity, task, and the six-section discipline
// (spec.md §4.7 step 3, §4.9.c ScopeGuard format).
func BuildPrompt(fromAgentID, fromDisplayName, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have been delegated a task by %s (%s).\n\n", fromDisplayName, fromAgentID)
	fmt.Fprintf(&b, "TASK:\n%s\n\n", task)
	b.WriteString("EXPECTED OUTCOME:\n(state the concrete artifact or result you will produce)\n\n")
	b.WriteString("MUST DO:\n(list the required actions)\n\n")
	b.WriteString("MUST NOT DO:\n(list explicit exclusions)\n\n")
	b.WriteString("REQUIRED TOOLS:\n(list the tools this task needs)\n\n")
	b.WriteString("CONTEXT:\n(any context the assignee needs)\n")
	return b.String()
}

// Result is the outcome of ExecuteDelegation.
type Result struct {
	Response string
	Duration time.Duration
	Err      error
}

// ExecuteDelegation implements spec.md §4.7's executeDelegation(req, execCb,
// notifyCb). The active-edge add is the critical section and is released in
// a defer regardless of outcome.
func (m *Manager) ExecuteDelegation(ctx context.Context, req Request, exec ExecCallback, notify NotifyCallback) Result {
	e := edge{req.FromAgentID, req.ToAgentID}

	m.edgesMu.Lock()
	m.edges[e] = true
	m.edgesMu.Unlock()
	defer func() {
		m.edgesMu.Lock()
		delete(m.edges, e)
		m.edgesMu.Unlock()
	}()

	if notify != nil {
		notify(req.FromAgentID, req.ToAgentID, req.Task)
	}

	var d *persistence.Delegation
	if m.store != nil {
		id := req.ID
		if id == "" {
			id = uuid.NewString()
		}
		d = &persistence.Delegation{
			ID:          id,
			ParentAgent: req.FromAgentID,
			ChildAgent:  req.ToAgentID,
			Prompt:      req.Prompt,
			Status:      "running",
		}
		_ = m.store.CreateDelegation(ctx, d)
	}

	start := time.Now()
	resp, err := exec(ctx, req.ToAgentID, req.Prompt)
	duration := time.Since(start)

	if m.store != nil && d != nil {
		if err != nil {
			_ = m.store.FailDelegation(ctx, d.ID, err.Error())
		} else {
			_ = m.store.CompleteDelegation(ctx, d.ID, resp)
		}
	}

	return Result{Response: resp, Duration: duration, Err: err}
}

// ActiveEdgeCount reports the number of in-flight delegation edges (tests/introspection).
func (m *Manager) ActiveEdgeCount() int {
	m.edgesMu.Lock()
	defer m.edgesMu.Unlock()
	return len(m.edges)
}
