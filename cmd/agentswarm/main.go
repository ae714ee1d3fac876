package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentswarm/internal/agentmgr"
	"github.com/basket/agentswarm/internal/bus"
	"github.com/basket/agentswarm/internal/config"
	"github.com/basket/agentswarm/internal/cron"
	"github.com/basket/agentswarm/internal/delegation"
	"github.com/basket/agentswarm/internal/enforcement"
	"github.com/basket/agentswarm/internal/gateway"
	"github.com/basket/agentswarm/internal/otel"
	"github.com/basket/agentswarm/internal/persistence"
	"github.com/basket/agentswarm/internal/policy"
	"github.com/basket/agentswarm/internal/pool"
	"github.com/basket/agentswarm/internal/queue"
	"github.com/basket/agentswarm/internal/router"
	"github.com/basket/agentswarm/internal/runtime"
	"github.com/basket/agentswarm/internal/telemetry"
	"github.com/basket/agentswarm/internal/ultrawork"
	"github.com/basket/agentswarm/internal/wave"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the daemon (Discord/Slack/WebSocket gateways)
  %s status          Show daemon health status (/healthz)
  %s doctor [-json]  Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	daemon := flag.Bool("daemon", true, "run as a daemon (gateways stay up until signaled)")
	flag.Usage = printUsage
	flag.Parse()
	_ = daemon

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		slog.Error("logger init failed", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	app, err := wireApp(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.store.Close()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	if err := app.Run(ctx); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

// application bundles every wired component for the daemon's lifetime.
type application struct {
	cfg          config.Config
	store        *persistence.Store
	bus          *bus.Bus
	pool         *pool.Pool
	agents       *agentmgr.Manager
	queue        *queue.Queue
	orchestrator *router.Orchestrator
	delegations  *delegation.Manager
	waves        *wave.WaveExecutor
	enforcement  *enforcement.Pipeline
	ultrawork    *ultrawork.Controller
	gateways     []gateway.Gateway
	cronSched    *cron.Scheduler
	telemetry    *otel.Provider

	queueSweepStop chan struct{}
}

// wireApp constructs every C1-C10 component and the three gateway adapters
// from Config, the way the teacher's main.go builds its engine/store/gateway
// trio before entering the run loop.
func wireApp(ctx context.Context, cfg config.Config) (*application, error) {
	telemetry, err := otel.Init(ctx, cfg.Otel)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	eventBus := bus.New()

	dbPath := filepath.Join(cfg.HomeDir, "agentswarm.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	agentPool := pool.New(pool.Config{Bus: eventBus})
	if err := agentPool.Start(ctx); err != nil {
		return nil, fmt.Errorf("start pool: %w", err)
	}

	agentLookup := map[string]delegation.AgentInfo{}
	agents := agentmgr.New(agentmgr.Config{
		Pool:         agentPool,
		LoadPersona:  loadPersonaFile,
		BrainFactory: brainFactory,
	})

	categories := make([]router.Category, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		categories = append(categories, router.Category{
			Name: c.Name, Priority: c.Priority, Patterns: c.Patterns, AgentIDs: c.AgentIDs,
		})
	}
	categoryRouter := router.NewCategoryRouter(categories)

	orchestrator := router.New(router.Config{
		MultiAgentEnabled:    len(cfg.Agents) > 1,
		FreeChat:             cfg.FreeChat,
		GlobalDefaultAgentID: cfg.DefaultAgentID,
		MaxChainLength:       cfg.LoopPrevention.MaxChainLength,
		GlobalCooldownMs:     cfg.LoopPrevention.GlobalCooldownMs,
		ChainWindowMs:        cfg.LoopPrevention.ChainWindowMs,
	}, categoryRouter)

	for _, o := range cfg.ChannelOverrides {
		orchestrator.SetChannelOverride(o.ChannelID, router.ChannelOverride{
			Allowed: o.Allowed, Disabled: o.Disabled, DefaultAgentID: o.DefaultAgentID,
			ChainLimit: o.ChainLimit, FreeChat: o.FreeChat,
		})
	}

	for _, a := range cfg.Agents {
		tier := policy.Tier(a.Tier)
		if tier == 0 {
			tier = policy.TierWorker
		}
		enabled := a.Enabled == nil || *a.Enabled
		poolSize := a.PoolSize
		if poolSize <= 0 {
			poolSize = 1
		}

		agents.RegisterAgent(agentmgr.AgentConfig{
			AgentID:       a.AgentID,
			DisplayName:   a.DisplayName,
			TriggerPrefix: "",
			Keywords:      nil,
			Tier:          tier,
			CanDelegate:   tier == policy.TierOrchestrator,
			PoolSize:      poolSize,
			Backend:       runtime.Backend(a.Provider),
			Model:         a.Model,
			Enabled:       enabled,
			CooldownMs:    a.CooldownMs,
			HungTimeoutMs: a.HungTimeoutMs,
			PersonaFile:   a.SoulFile,
		})

		orchestrator.RegisterAgent(router.RoutingAgent{
			AgentID:       a.AgentID,
			Enabled:       enabled,
			TriggerPrefix: a.TriggerPrefix,
			Keywords:      a.Keywords,
			CooldownMs:    a.CooldownMs,
		})

		agentLookup[a.AgentID] = delegation.AgentInfo{
			AgentID:     a.AgentID,
			Tier:        int(tier),
			CanDelegate: tier == policy.TierOrchestrator,
			Enabled:     enabled,
		}
	}

	msgQueue := queue.New(queue.Config{Logger: slog.Default()})

	delegations := delegation.New(delegation.Config{
		Lookup: func(id string) (delegation.AgentInfo, bool) { a, ok := agentLookup[id]; return a, ok },
		Store:  store,
	})

	waves := wave.New(store)
	pipeline := enforcement.New()

	execDelegated := func(ctx context.Context, toAgentID, prompt string) (string, error) {
		rt, err := agents.Get(ctx, "ultrawork", "delegation", toAgentID)
		if err != nil {
			return "", err
		}
		resp, err := rt.Send(ctx, prompt)
		agents.Release(toAgentID, rt)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}

	uw := ultrawork.New(ultrawork.Config{
		MaxSteps:    cfg.UltraWork.MaxSteps,
		MaxDuration: time.Duration(cfg.UltraWork.MaxDurationMin) * time.Minute,
		StepTimeout: time.Duration(cfg.UltraWork.StepTimeoutMin) * time.Minute,
	}, delegations, pipeline, execDelegated, nil)

	responder := gateway.NewResponder(orchestrator, msgQueue, agents, pipeline, uw, waves)
	agents.OnRuntimeReady(responder.Watch)

	dispatcher := gateway.NewDispatcher(orchestrator, msgQueue, telemetry.Tracer)
	dispatcher.SetResponder(responder)

	var gateways []gateway.Gateway
	wsAddr := strings.TrimSpace(cfg.BindAddr)
	if wsAddr == "" {
		wsAddr = "127.0.0.1:18789"
	}
	wsGateway := gateway.NewWebSocketGateway(wsAddr, dispatcher, cfg)
	responder.RegisterReplier("websocket", wsGateway)
	gateways = append(gateways, wsGateway)

	if cfg.Discord.Enabled {
		dg, err := gateway.NewDiscordGateway(cfg.Discord, dispatcher)
		if err != nil {
			return nil, fmt.Errorf("wire discord gateway: %w", err)
		}
		responder.RegisterReplier("discord", dg)
		gateways = append(gateways, dg)
	}
	if cfg.Slack.Enabled {
		slackGateway := gateway.NewSlackGateway(cfg.Slack, ":3001", dispatcher)
		responder.RegisterReplier("slack", slackGateway)
		gateways = append(gateways, slackGateway)
	}

	cronSched := cron.NewScheduler(cron.Config{Store: store})

	return &application{
		cfg: cfg, store: store, bus: eventBus, pool: agentPool, agents: agents,
		queue: msgQueue, orchestrator: orchestrator, delegations: delegations,
		waves: waves, enforcement: pipeline, ultrawork: uw, gateways: gateways,
		cronSched: cronSched, telemetry: telemetry, queueSweepStop: make(chan struct{}),
	}, nil
}

// runQueueSweep periodically clears expired queued messages until stopped;
// the ProcessPool sweeps its own idle/hung runtimes internally (pool.Start),
// but MessageQueue's TTL expiry has no self-contained scheduler of its own.
func (a *application) runQueueSweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.queueSweepStop:
			return
		case <-ticker.C:
			a.queue.ClearExpired()
		}
	}
}

// Run starts every gateway and blocks until ctx is canceled, then shuts the
// pool and gateways down gracefully.
func (a *application) Run(ctx context.Context) error {
	a.cronSched.Start(ctx)
	go a.runQueueSweep(ctx)

	errCh := make(chan error, len(a.gateways))
	for _, g := range a.gateways {
		g := g
		go func() {
			slog.Info("gateway starting", "name", g.Name())
			if err := g.Start(ctx); err != nil {
				errCh <- fmt.Errorf("gateway %s: %w", g.Name(), err)
				return
			}
			errCh <- nil
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	close(a.queueSweepStop)
	a.cronSched.Stop()
	for _, g := range a.gateways {
		g.Stop()
	}
	a.pool.Stop()

	for range a.gateways {
		if err := <-errCh; err != nil {
			slog.Warn("gateway shutdown error", "error", err)
		}
	}
	return nil
}

// brainFactory builds the concrete backend Brain for an agent's runtime
// options, dispatching on the configured provider (claude/codex/gemini).
func brainFactory(ctx context.Context, opts agentmgr.RuntimeOptions) (runtime.Brain, error) {
	apiKey := os.Getenv(strings.ToUpper(string(opts.Backend)) + "_API_KEY")
	return runtime.NewGenkitBrain(ctx, opts.Backend, opts.Model, apiKey)
}

// loadPersonaFile reads a persona/system-prompt file from disk, relative to
// the configured home directory's agent personas.
func loadPersonaFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
