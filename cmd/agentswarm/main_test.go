package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/agentswarm/internal/config"
)

func TestWireApp_MinimalConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOCLAW_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("worker_count: 1\nbind_addr: \"127.0.0.1:0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app, err := wireApp(ctx, cfg)
	if err != nil {
		t.Fatalf("wireApp: %v", err)
	}
	defer app.store.Close()
	defer app.pool.Stop()

	if app.orchestrator == nil {
		t.Fatal("expected orchestrator to be wired")
	}
	if app.delegations == nil {
		t.Fatal("expected delegation manager to be wired")
	}
	if app.waves == nil {
		t.Fatal("expected wave executor to be wired")
	}
	if app.ultrawork == nil {
		t.Fatal("expected ultrawork controller to be wired")
	}
	if len(app.gateways) == 0 {
		t.Fatal("expected at least the websocket gateway to be wired")
	}
	foundWS := false
	for _, g := range app.gateways {
		if g.Name() == "websocket" {
			foundWS = true
		}
	}
	if !foundWS {
		t.Fatal("expected websocket gateway to always be present")
	}
}

func TestWireApp_RegistersConfiguredAgents(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOCLAW_HOME", home)
	yaml := `worker_count: 1
bind_addr: "127.0.0.1:0"
agents:
  - agent_id: lead
    provider: claude
    tier: 1
    can_delegate: true
  - agent_id: helper
    provider: claude
    tier: 2
`
	if err := os.WriteFile(home+"/config.yaml", []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app, err := wireApp(ctx, cfg)
	if err != nil {
		t.Fatalf("wireApp: %v", err)
	}
	defer app.store.Close()
	defer app.pool.Stop()

	if _, ok := app.agents.Agent("lead"); !ok {
		t.Fatal("expected lead agent to be registered")
	}
	if _, ok := app.agents.Agent("helper"); !ok {
		t.Fatal("expected helper agent to be registered")
	}
}
