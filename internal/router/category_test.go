package router

import "testing"

func TestCategoryRouterPriorityOrderAndAvailability(t *testing.T) {
	r := NewCategoryRouter([]Category{
		{Name: "low", Priority: 0, Patterns: []string{"bug"}, AgentIDs: []string{"triager"}},
		{Name: "high", Priority: 10, Patterns: []string{"deploy"}, AgentIDs: []string{"ops"}},
	})

	available := map[string]bool{"ops": true, "triager": true}
	cat, agents, ok := r.Match("please deploy this bug fix", available)
	if !ok || cat != "high" {
		t.Fatalf("expected higher-priority category to win, got cat=%q ok=%v", cat, ok)
	}
	if len(agents) != 1 || agents[0] != "ops" {
		t.Fatalf("expected [ops], got %v", agents)
	}
}

func TestCategoryRouterSkipsUnavailableAgents(t *testing.T) {
	r := NewCategoryRouter([]Category{
		{Name: "deploys", Priority: 0, Patterns: []string{"deploy"}, AgentIDs: []string{"ops"}},
	})
	_, _, ok := r.Match("deploy now", map[string]bool{})
	if ok {
		t.Fatalf("expected no match when matched category's agents are all unavailable")
	}
}

func TestCategoryRouterCaseInsensitive(t *testing.T) {
	r := NewCategoryRouter([]Category{
		{Name: "greet", Priority: 0, Patterns: []string{"^hello"}, AgentIDs: []string{"greeter"}},
	})
	_, agents, ok := r.Match("HELLO there", map[string]bool{"greeter": true})
	if !ok || len(agents) != 1 {
		t.Fatalf("expected case-insensitive match, got ok=%v agents=%v", ok, agents)
	}
}
