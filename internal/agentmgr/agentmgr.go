// Package agentmgr implements C3 AgentProcessManager: resolves an
// (source, channel, agent) triple to a live AgentRuntime, sticky-mapping
// pool_size=1 agents to one persistent runtime per channel and delegating
// pool_size>1 agents to the ProcessPool. Grounded on
// zkoranges-go-claw/internal/agent/registry.go's config-keyed map with a
// duplicate-detection-under-lock create path.
package agentmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/agentswarm/internal/pool"
	"github.com/basket/agentswarm/internal/policy"
	"github.com/basket/agentswarm/internal/runtime"
)

// ChannelKey uniquely identifies one runtime sticky-mapping (spec.md §3).
type ChannelKey struct {
	Source    string
	ChannelID string
	AgentID   string
}

// AgentConfig is the static per-agent configuration (spec.md §3 Agent entity).
type AgentConfig struct {
	AgentID       string
	DisplayName   string
	TriggerPrefix string
	Keywords      []string
	Tier          policy.Tier
	CanDelegate   bool
	PoolSize      int
	ToolPerms     *policy.ToolPermissions
	Backend       runtime.Backend
	Model         string
	Enabled       bool
	CooldownMs    int64
	HungTimeoutMs int64 // per-agent override (spec.md §9 OQ2); 0 = use pool default
	PersonaFile   string
}

// RuntimeOptions is what AgentProcessManager hands to a backend factory,
// resolved from AgentConfig + persona + ToolPermissionManager (spec.md §4.3).
type RuntimeOptions struct {
	Model           string
	SystemPrompt    string
	AllowedTools    []string
	DisallowedTools []string
	Backend         runtime.Backend
}

// PersonaLoader resolves an agent's persona file into system-prompt text
// (spec.md §6.2 "Persona loader" external collaborator).
type PersonaLoader func(path string) (string, error)

// BrainFactory constructs the concrete backend Brain for a RuntimeOptions.
type BrainFactory func(ctx context.Context, opts RuntimeOptions) (runtime.Brain, error)

// Manager is C3 AgentProcessManager.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]AgentConfig

	sharedPool *pool.Pool
	toolPerms  *policy.ToolPermissionManager
	loadPersona PersonaLoader
	brainFactory BrainFactory

	personaMu    sync.Mutex
	personaCache map[string]string

	stickyMu sync.Mutex
	sticky   map[ChannelKey]*runtime.AgentRuntime

	readyMu sync.RWMutex
	onReady func(key ChannelKey, rt *runtime.AgentRuntime)
}

// Config wires a Manager's dependencies.
type Config struct {
	Pool         *pool.Pool
	LoadPersona  PersonaLoader
	BrainFactory BrainFactory
}

// New constructs a Manager with an empty agent registry.
func New(cfg Config) *Manager {
	return &Manager{
		agents:       make(map[string]AgentConfig),
		sharedPool:   cfg.Pool,
		toolPerms:    policy.NewToolPermissionManager(),
		loadPersona:  cfg.LoadPersona,
		brainFactory: cfg.BrainFactory,
		personaCache: make(map[string]string),
		sticky:       make(map[ChannelKey]*runtime.AgentRuntime),
	}
}

// RegisterAgent adds or replaces an agent's static configuration.
func (m *Manager) RegisterAgent(cfg AgentConfig) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[cfg.AgentID] = cfg
}

// InvalidatePersonaCache drops cached persona text, used on config reload
// (spec.md §4.3 "invalidated on config reload").
func (m *Manager) InvalidatePersonaCache(agentID string) {
	m.personaMu.Lock()
	defer m.personaMu.Unlock()
	if agentID == "" {
		m.personaCache = make(map[string]string)
		return
	}
	delete(m.personaCache, agentID)
}

// OnRuntimeReady registers a hook invoked exactly once per created
// AgentRuntime, right after its backend handshake-equivalent construction.
// Used by the gateway's response consumer to attach an idle listener that
// drives MessageQueue.Drain (spec.md §6.3/§4.4) without agentmgr importing
// the gateway package.
func (m *Manager) OnRuntimeReady(hook func(key ChannelKey, rt *runtime.AgentRuntime)) {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	m.onReady = hook
}

func (m *Manager) Agent(agentID string) (AgentConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.agents[agentID]
	return cfg, ok
}

func (m *Manager) persona(cfg AgentConfig) (string, error) {
	m.personaMu.Lock()
	if text, ok := m.personaCache[cfg.AgentID]; ok {
		m.personaMu.Unlock()
		return text, nil
	}
	m.personaMu.Unlock()

	if cfg.PersonaFile == "" || m.loadPersona == nil {
		return "", nil
	}
	text, err := m.loadPersona(cfg.PersonaFile)
	if err != nil {
		return "", fmt.Errorf("agentmgr: load persona for %q: %w", cfg.AgentID, err)
	}
	text = interpolatePersona(text, cfg)

	m.personaMu.Lock()
	m.personaCache[cfg.AgentID] = text
	m.personaMu.Unlock()
	return text, nil
}

// interpolatePersona substitutes the template tokens documented in
// spec.md §6.2 ({{model}}, {{claude_model_id}}, {{codex_model_id}},
// @DisplayName).
func interpolatePersona(text string, cfg AgentConfig) string {
	replace := func(old, new string) string {
		out := text
		for {
			idx := indexOf(out, old)
			if idx < 0 {
				return out
			}
			out = out[:idx] + new + out[idx+len(old):]
		}
	}
	text = replace("{{model}}", cfg.Model)
	if cfg.Backend == runtime.BackendClaude {
		text = replace("{{claude_model_id}}", cfg.Model)
	}
	if cfg.Backend == runtime.BackendCodex {
		text = replace("{{codex_model_id}}", cfg.Model)
	}
	text = replace("@"+cfg.DisplayName, "@"+cfg.DisplayName)
	return text
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (m *Manager) buildOptions(cfg AgentConfig) (RuntimeOptions, error) {
	system, err := m.persona(cfg)
	if err != nil {
		return RuntimeOptions{}, err
	}
	allowed, blocked := m.toolPerms.Resolve(cfg.Tier, cfg.ToolPerms)
	return RuntimeOptions{
		Model:           cfg.Model,
		SystemPrompt:    system,
		AllowedTools:    allowed,
		DisallowedTools: blocked,
		Backend:         cfg.Backend,
	}, nil
}

func (m *Manager) factory(key ChannelKey, cfg AgentConfig) pool.Factory {
	return func(ctx context.Context) (*runtime.AgentRuntime, error) {
		opts, err := m.buildOptions(cfg)
		if err != nil {
			return nil, err
		}
		brain, err := m.brainFactory(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("agentmgr: brain factory for %q: %w", cfg.AgentID, err)
		}
		rt := runtime.New(brain, opts.SystemPrompt)

		m.readyMu.RLock()
		hook := m.onReady
		m.readyMu.RUnlock()
		if hook != nil {
			hook(key, rt)
		}
		return rt, nil
	}
}

// Get implements spec.md §4.3's get(source, channelId, agentId) -> AgentRuntime.
func (m *Manager) Get(ctx context.Context, source, channelID, agentID string) (*runtime.AgentRuntime, error) {
	cfg, ok := m.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("agentmgr: unknown agent %q", agentID)
	}

	key := ChannelKey{Source: source, ChannelID: channelID, AgentID: agentID}

	if cfg.PoolSize > 1 {
		rt, _, err := m.sharedPool.Acquire(ctx, agentID, key.String(), m.factory(key, cfg))
		return rt, err
	}

	m.stickyMu.Lock()
	defer m.stickyMu.Unlock()
	if rt, ok := m.sticky[key]; ok && rt.State() != runtime.StateDead {
		return rt, nil
	}
	rt, err := m.factory(key, cfg)(ctx)
	if err != nil {
		return nil, err
	}
	m.sticky[key] = rt
	return rt, nil
}

// Release is a no-op for pool_size=1 sticky runtimes; for pool_size>1 it
// returns the runtime to the ProcessPool (spec.md §4.3).
func (m *Manager) Release(agentID string, rt *runtime.AgentRuntime) {
	cfg, ok := m.Agent(agentID)
	if !ok || cfg.PoolSize <= 1 {
		return
	}
	m.sharedPool.Release(agentID, rt)
}

func (k ChannelKey) String() string {
	return k.Source + "|" + k.ChannelID + "|" + k.AgentID
}

// IdleTimeoutFor resolves the manager-set idle timeout (spec.md §9 OQ1): the
// manager always wins over the pool-level default when both are present.
func IdleTimeoutFor(managerDefault time.Duration) time.Duration {
	if managerDefault <= 0 {
		return 5 * time.Minute
	}
	return managerDefault
}
