package delegation

import (
	"context"
	"errors"
	"testing"
)

func TestParseDelegationStripsBlockAndExtractsRequest(t *testing.T) {
	content := "Here's my plan.\n\nDELEGATE::worker-1::Write the README\n\nThanks!"
	parsed := ParseDelegation("lead", content)
	if parsed.Request == nil {
		t.Fatalf("expected a parsed request")
	}
	if parsed.Request.ToAgentID != "worker-1" {
		t.Fatalf("expected toAgentId worker-1, got %q", parsed.Request.ToAgentID)
	}
	if parsed.Request.Task != "Write the README" {
		t.Fatalf("expected task text extracted, got %q", parsed.Request.Task)
	}
	if contains(parsed.VisibleContent, "DELEGATE::") {
		t.Fatalf("expected DELEGATE block stripped from visible content, got %q", parsed.VisibleContent)
	}
}

func TestParseDelegationNoMatch(t *testing.T) {
	parsed := ParseDelegation("lead", "just a normal response")
	if parsed.Request != nil {
		t.Fatalf("expected no request parsed from plain content")
	}
}

func TestCheckFormatGateRequiresAllSixSections(t *testing.T) {
	partial := "TASK:\ndo the thing\n\nEXPECTED OUTCOME:\na file"
	err := CheckFormatGate(partial)
	var missingErr *ErrMissingSections
	if !errors.As(err, &missingErr) {
		t.Fatalf("expected ErrMissingSections, got %v", err)
	}
	if len(missingErr.Missing) != 4 {
		t.Fatalf("expected 4 missing sections, got %v", missingErr.Missing)
	}
}

func TestCheckFormatGateIgnoresNonCandidates(t *testing.T) {
	if err := CheckFormatGate("just chatting, no headers here"); err != nil {
		t.Fatalf("expected nil for non-candidate content, got %v", err)
	}
}

func TestCheckFormatGatePassesCompleteCandidate(t *testing.T) {
	full := BuildPrompt("lead", "Lead", "do the thing")
	if err := CheckFormatGate(full); err != nil {
		t.Fatalf("expected a fully-built prompt to pass the gate, got %v", err)
	}
}

func newTestLookup() AgentLookup {
	agents := map[string]AgentInfo{
		"lead":    {AgentID: "lead", Tier: 1, CanDelegate: true, Enabled: true},
		"worker":  {AgentID: "worker", Tier: 2, CanDelegate: false, Enabled: true},
		"offline": {AgentID: "offline", Tier: 2, Enabled: false},
	}
	return func(id string) (AgentInfo, bool) {
		a, ok := agents[id]
		return a, ok
	}
}

func TestIsDelegationAllowedRules(t *testing.T) {
	m := New(Config{Lookup: newTestLookup()})

	if ok, _ := m.IsDelegationAllowed("worker", "lead"); ok {
		t.Fatalf("expected non-tier-1 delegator to be rejected")
	}
	if ok, _ := m.IsDelegationAllowed("lead", "offline"); ok {
		t.Fatalf("expected disabled target to be rejected")
	}
	if ok, _ := m.IsDelegationAllowed("lead", "lead"); ok {
		t.Fatalf("expected self-delegation to be rejected")
	}
	if ok, _ := m.IsDelegationAllowed("lead", "worker"); !ok {
		t.Fatalf("expected a valid delegation to be allowed")
	}
}

func TestIsDelegationAllowedRejectsCycles(t *testing.T) {
	m := New(Config{Lookup: newTestLookup()})
	m.edges[edge{"lead", "worker"}] = true

	if ok, _ := m.IsDelegationAllowed("lead", "worker"); ok {
		t.Fatalf("expected a duplicate active edge to be rejected as circular")
	}
	if ok, _ := m.IsDelegationAllowed("worker", "lead"); ok {
		t.Fatalf("expected the reverse edge to be rejected as reverse-circular")
	}
}

func TestExecuteDelegationTracksEdgeLifecycle(t *testing.T) {
	m := New(Config{Lookup: newTestLookup()})
	req := Request{FromAgentID: "lead", ToAgentID: "worker", Task: "do it", Prompt: "do it"}

	var notified bool
	exec := func(ctx context.Context, to, prompt string) (string, error) {
		if m.ActiveEdgeCount() != 1 {
			t.Fatalf("expected exactly one active edge during execution, got %d", m.ActiveEdgeCount())
		}
		return "done", nil
	}
	notify := func(from, to, task string) { notified = true }

	res := m.ExecuteDelegation(context.Background(), req, exec, notify)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Response != "done" {
		t.Fatalf("expected response 'done', got %q", res.Response)
	}
	if !notified {
		t.Fatalf("expected notify callback to be invoked")
	}
	if m.ActiveEdgeCount() != 0 {
		t.Fatalf("expected edge to be released after execution, got %d active", m.ActiveEdgeCount())
	}
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
