package router

import (
	"testing"

	"github.com/basket/agentswarm/internal/queue"
)

func newTestOrchestrator() *Orchestrator {
	cr := NewCategoryRouter([]Category{
		{Name: "ops", Priority: 0, Patterns: []string{"deploy"}, AgentIDs: []string{"ops-bot"}},
	})
	o := New(Config{MultiAgentEnabled: true, MaxChainLength: 3, ChainWindowMs: 60000, GlobalCooldownMs: 2000}, cr)
	o.RegisterAgent(RoutingAgent{AgentID: "ops-bot", Enabled: true})
	o.RegisterAgent(RoutingAgent{AgentID: "helper", Enabled: true, TriggerPrefix: "!help", Keywords: []string{"assist"}})
	return o
}

func TestSelectExplicitTriggerTakesPriorityOverKeyword(t *testing.T) {
	o := newTestOrchestrator()
	res := o.Select(queue.MessageContext{ChannelID: "c1", Content: "!help please assist me"})
	if res.Reason != ReasonExplicitTrigger || len(res.Selected) != 1 || res.Selected[0] != "helper" {
		t.Fatalf("expected explicit trigger selection of helper, got %+v", res)
	}
}

func TestSelectCategoryMatchWhenNoTrigger(t *testing.T) {
	o := newTestOrchestrator()
	res := o.Select(queue.MessageContext{ChannelID: "c1", Content: "please deploy the service"})
	if res.Reason != ReasonCategoryMatch || len(res.Selected) != 1 || res.Selected[0] != "ops-bot" {
		t.Fatalf("expected category match of ops-bot, got %+v", res)
	}
}

func TestChainBlockingScenario(t *testing.T) {
	// Scenario S2: max_chain_length=3. Agent A posts 3 consecutive bot
	// responses; on the 3rd recordAgentResponse, chain.blocked=true. The next
	// bot message is blocked; a human message resets the chain.
	o := newTestOrchestrator()

	o.RecordResponse("ops-bot", "c1")
	o.RecordResponse("ops-bot", "c1")
	o.RecordResponse("ops-bot", "c1")

	res := o.Select(queue.MessageContext{ChannelID: "c1", IsBot: true, SenderAgentID: "ops-bot", Content: "deploy again"})
	if !res.Blocked || res.Reason != ReasonChainLimit {
		t.Fatalf("expected chain-limit block after 3 responses, got %+v", res)
	}

	humanRes := o.Select(queue.MessageContext{ChannelID: "c1", IsBot: false, Content: "deploy please"})
	if humanRes.Blocked {
		t.Fatalf("expected human message to reset chain and unblock, got %+v", humanRes)
	}
}

func TestGlobalCooldownBlocksRapidHumanMessages(t *testing.T) {
	o := newTestOrchestrator()
	o.RecordResponse("ops-bot", "c1")

	res := o.Select(queue.MessageContext{ChannelID: "c1", Content: "deploy now"})
	if !res.Blocked || res.Reason != ReasonGlobalCooldown {
		t.Fatalf("expected global-cooldown block immediately after a response, got %+v", res)
	}
}

func TestFreeChatSelectsMentionedAgentsAndClearsCooldown(t *testing.T) {
	cr := NewCategoryRouter(nil)
	o := New(Config{MultiAgentEnabled: true, FreeChat: true}, cr)
	o.RegisterAgent(RoutingAgent{AgentID: "a", Enabled: true})
	o.RegisterAgent(RoutingAgent{AgentID: "b", Enabled: true})

	res := o.Select(queue.MessageContext{ChannelID: "c1", Content: "hey", MentionedAgentIDs: []string{"a"}})
	if res.Reason != ReasonFreeChat || len(res.Selected) != 1 || res.Selected[0] != "a" {
		t.Fatalf("expected free-chat selection of mentioned agent a, got %+v", res)
	}
}

func TestIsAgentReadyRespectsCooldown(t *testing.T) {
	o := newTestOrchestrator()
	if !o.IsAgentReady("ops-bot") {
		t.Fatalf("expected agent with no prior response to be ready")
	}
	o.RecordResponse("ops-bot", "c1")
	if o.IsAgentReady("ops-bot") {
		t.Fatalf("expected agent to be on cooldown immediately after responding")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	o := newTestOrchestrator()
	for i := 0; i < historyCapacity+10; i++ {
		o.RecordResponse("ops-bot", "c1")
		// avoid chain-block interfering with repeated RecordResponse calls in this loop
		o.stateMu.Lock()
		o.chains["c1"].Blocked = false
		o.chains["c1"].Length = 0
		o.stateMu.Unlock()
	}
	if got := len(o.History()); got != historyCapacity {
		t.Fatalf("expected history capped at %d, got %d", historyCapacity, got)
	}
}
