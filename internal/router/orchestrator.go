package router

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentswarm/internal/queue"
)

// Defaults from spec.md §4.5.
const (
	DefaultMaxChainLength      = 3
	DefaultGlobalCooldownMs    = 2000
	DefaultChainWindowMs       = 60000
	DefaultAgentCooldownMs     = 5000
	historyCapacity            = 100
)

// Selection reasons (spec.md §4.5 cascade).
const (
	ReasonChainLimit      = "chain_limit"
	ReasonGlobalCooldown  = "global_cooldown"
	ReasonFreeChat        = "free_chat"
	ReasonExplicitTrigger = "explicit_trigger"
	ReasonTriggerCooldown = "cooldown"
	ReasonCategoryMatch   = "category_match"
	ReasonKeywordMatch    = "keyword_match"
	ReasonDefaultAgent    = "default_agent"
	ReasonNone            = "none"
)

// RoutingAgent is the routing-relevant slice of spec.md §3's Agent entity.
type RoutingAgent struct {
	AgentID       string
	Enabled       bool
	TriggerPrefix string
	Keywords      []string
	CooldownMs    int64 // 0 = DefaultAgentCooldownMs
}

// ChannelOverride narrows or redirects routing for one channel
// (spec.md §4.5's channelChainLimitOverride plus channel allow/disable/default).
type ChannelOverride struct {
	Allowed        []string // if non-empty, restricts available to this set
	Disabled       []string
	DefaultAgentID string
	ChainLimit     int // 0 = use Config.MaxChainLength
	FreeChat       *bool // nil = inherit Config.FreeChat
}

// ChainState is spec.md §3's per-channel loop-prevention state.
type ChainState struct {
	Length         int
	LastResponseAt time.Time
	LastAgentID    string
	Blocked        bool
}

// HistoryEntry is one recorded response, kept in a bounded ring buffer.
type HistoryEntry struct {
	AgentID   string
	ChannelID string
	At        time.Time
}

// Config holds Orchestrator-wide routing defaults (spec.md §4.5).
type Config struct {
	MultiAgentEnabled    bool
	FreeChat             bool
	GlobalDefaultAgentID string
	MaxChainLength       int
	GlobalCooldownMs     int64
	ChainWindowMs        int64
}

// SelectionResult is selectRespondingAgents' return value.
type SelectionResult struct {
	Selected []string
	Blocked  bool
	Reason   string
}

// Orchestrator is C5: the routing cascade plus the chain/cooldown state it
// owns exclusively (spec.md §3 Ownership).
type Orchestrator struct {
	cfg    Config
	router *CategoryRouter

	agentsMu sync.RWMutex
	agents   map[string]RoutingAgent

	overridesMu sync.RWMutex
	overrides   map[string]ChannelOverride

	channelLocksMu sync.Mutex
	channelLocks   map[string]*sync.Mutex

	stateMu   sync.Mutex
	chains    map[string]*ChainState
	cooldowns map[string]time.Time

	historyMu sync.Mutex
	history   []HistoryEntry
}

// New constructs an Orchestrator. Zero-value Config fields take spec.md
// defaults.
func New(cfg Config, categoryRouter *CategoryRouter) *Orchestrator {
	if cfg.MaxChainLength <= 0 {
		cfg.MaxChainLength = DefaultMaxChainLength
	}
	if cfg.GlobalCooldownMs <= 0 {
		cfg.GlobalCooldownMs = DefaultGlobalCooldownMs
	}
	if cfg.ChainWindowMs <= 0 {
		cfg.ChainWindowMs = DefaultChainWindowMs
	}
	return &Orchestrator{
		cfg:          cfg,
		router:       categoryRouter,
		agents:       make(map[string]RoutingAgent),
		overrides:    make(map[string]ChannelOverride),
		channelLocks: make(map[string]*sync.Mutex),
		chains:       make(map[string]*ChainState),
		cooldowns:    make(map[string]time.Time),
	}
}

// RegisterAgent adds or replaces an agent's routing metadata.
func (o *Orchestrator) RegisterAgent(a RoutingAgent) {
	o.agentsMu.Lock()
	defer o.agentsMu.Unlock()
	o.agents[a.AgentID] = a
}

// SetChannelOverride configures a per-channel override, e.g. from config reload.
func (o *Orchestrator) SetChannelOverride(channelID string, override ChannelOverride) {
	o.overridesMu.Lock()
	defer o.overridesMu.Unlock()
	o.overrides[channelID] = override
}

func (o *Orchestrator) overrideFor(channelID string) (ChannelOverride, bool) {
	o.overridesMu.RLock()
	defer o.overridesMu.RUnlock()
	ov, ok := o.overrides[channelID]
	return ov, ok
}

// lockFor returns the per-channel mutex that serializes Select and
// RecordResponse for channelID (spec.md §5: "chain updates are serialized").
func (o *Orchestrator) lockFor(channelID string) *sync.Mutex {
	o.channelLocksMu.Lock()
	defer o.channelLocksMu.Unlock()
	l, ok := o.channelLocks[channelID]
	if !ok {
		l = &sync.Mutex{}
		o.channelLocks[channelID] = l
	}
	return l
}

func (o *Orchestrator) chainFor(channelID string) *ChainState {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	c, ok := o.chains[channelID]
	if !ok {
		c = &ChainState{}
		o.chains[channelID] = c
	}
	return c
}

func (o *Orchestrator) cooldownMsFor(agentID string) int64 {
	o.agentsMu.RLock()
	defer o.agentsMu.RUnlock()
	if a, ok := o.agents[agentID]; ok && a.CooldownMs > 0 {
		return a.CooldownMs
	}
	return DefaultAgentCooldownMs
}

// IsAgentReady implements spec.md §4.5's isAgentReady.
func (o *Orchestrator) IsAgentReady(agentID string) bool {
	o.stateMu.Lock()
	last, ok := o.cooldowns[agentID]
	o.stateMu.Unlock()
	if !ok {
		return true
	}
	return time.Since(last) >= time.Duration(o.cooldownMsFor(agentID))*time.Millisecond
}

func (o *Orchestrator) clearCooldown(agentID string) {
	o.stateMu.Lock()
	delete(o.cooldowns, agentID)
	o.stateMu.Unlock()
}

// availableAgents computes spec.md §4.5 step 4: enabled ∩ channel.allowed
// (if set) − channel.disabled − sender (for bot messages).
func (o *Orchestrator) availableAgents(ctx queue.MessageContext, override ChannelOverride, hasOverride bool) map[string]bool {
	o.agentsMu.RLock()
	defer o.agentsMu.RUnlock()

	var allowSet map[string]bool
	var disabledSet map[string]bool
	if hasOverride {
		if len(override.Allowed) > 0 {
			allowSet = toSet(override.Allowed)
		}
		disabledSet = toSet(override.Disabled)
	}

	available := make(map[string]bool)
	for id, a := range o.agents {
		if !a.Enabled {
			continue
		}
		if allowSet != nil && !allowSet[id] {
			continue
		}
		if disabledSet != nil && disabledSet[id] {
			continue
		}
		if ctx.IsBot && id == ctx.SenderAgentID {
			continue
		}
		available[id] = true
	}
	return available
}

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func (o *Orchestrator) effectiveFreeChat(override ChannelOverride, hasOverride bool) bool {
	if hasOverride && override.FreeChat != nil {
		return *override.FreeChat
	}
	return o.cfg.FreeChat
}

// sortedAgentIDs gives a deterministic iteration order for cascade stages
// that must pick a single "first" match.
func (o *Orchestrator) sortedAgentIDs() []RoutingAgent {
	o.agentsMu.RLock()
	defer o.agentsMu.RUnlock()
	out := make([]RoutingAgent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Select implements spec.md §4.5's selectRespondingAgents(ctx) cascade.
func (o *Orchestrator) Select(ctx queue.MessageContext) SelectionResult {
	lock := o.lockFor(ctx.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	if !o.cfg.MultiAgentEnabled {
		return SelectionResult{Reason: ReasonNone}
	}

	chain := o.chainFor(ctx.ChannelID)
	isHuman := !ctx.IsBot

	o.stateMu.Lock()
	if isHuman {
		*chain = ChainState{}
	}
	blocked := chain.Blocked
	lastResponseAt := chain.LastResponseAt
	o.stateMu.Unlock()

	if blocked {
		return SelectionResult{Blocked: true, Reason: ReasonChainLimit}
	}

	override, hasOverride := o.overrideFor(ctx.ChannelID)
	freeChat := o.effectiveFreeChat(override, hasOverride)

	if isHuman && !freeChat && !lastResponseAt.IsZero() &&
		time.Since(lastResponseAt) < time.Duration(o.cfg.GlobalCooldownMs)*time.Millisecond {
		return SelectionResult{Blocked: true, Reason: ReasonGlobalCooldown}
	}

	available := o.availableAgents(ctx, override, hasOverride)

	if freeChat {
		if isHuman {
			var selected []string
			if len(ctx.MentionedAgentIDs) > 0 {
				for _, id := range ctx.MentionedAgentIDs {
					if available[id] {
						selected = append(selected, id)
					}
				}
			} else {
				selected = setToSlice(available)
			}
			for _, id := range selected {
				o.clearCooldown(id)
			}
			return SelectionResult{Selected: selected, Reason: ReasonFreeChat}
		}
		return SelectionResult{Selected: setToSlice(available), Reason: ReasonFreeChat}
	}

	content := ctx.Content
	trimmed := strings.TrimLeft(content, " \t\n\r")
	lowerTrimmed := strings.ToLower(trimmed)

	// Step 6: explicit trigger prefix.
	for _, a := range o.sortedAgentIDs() {
		if !available[a.AgentID] || a.TriggerPrefix == "" {
			continue
		}
		if strings.HasPrefix(lowerTrimmed, strings.ToLower(a.TriggerPrefix)) {
			if !o.IsAgentReady(a.AgentID) {
				return SelectionResult{Blocked: true, Reason: ReasonTriggerCooldown}
			}
			return SelectionResult{Selected: []string{a.AgentID}, Reason: ReasonExplicitTrigger}
		}
	}

	// Step 7: category match.
	if o.router != nil {
		if _, agentIDs, ok := o.router.Match(content, available); ok {
			ready := make([]string, 0, len(agentIDs))
			for _, id := range agentIDs {
				if o.IsAgentReady(id) {
					ready = append(ready, id)
				}
			}
			if len(ready) > 0 {
				return SelectionResult{Selected: ready, Reason: ReasonCategoryMatch}
			}
		}
	}

	// Step 8: keyword match.
	var keywordHits []string
	for _, a := range o.sortedAgentIDs() {
		if !available[a.AgentID] {
			continue
		}
		if ctx.IsBot && a.AgentID == ctx.SenderAgentID {
			continue
		}
		if !o.IsAgentReady(a.AgentID) {
			continue
		}
		for _, kw := range a.Keywords {
			if kw != "" && lowerContains(content, kw) {
				keywordHits = append(keywordHits, a.AgentID)
				break
			}
		}
	}
	if len(keywordHits) > 0 {
		if ctx.IsBot && len(keywordHits) > 1 {
			keywordHits = keywordHits[:1]
		}
		return SelectionResult{Selected: keywordHits, Reason: ReasonKeywordMatch}
	}

	// Step 9: default agent (humans only).
	if isHuman {
		if hasOverride && override.DefaultAgentID != "" && available[override.DefaultAgentID] && o.IsAgentReady(override.DefaultAgentID) {
			return SelectionResult{Selected: []string{override.DefaultAgentID}, Reason: ReasonDefaultAgent}
		}
		if o.cfg.GlobalDefaultAgentID != "" && available[o.cfg.GlobalDefaultAgentID] && o.IsAgentReady(o.cfg.GlobalDefaultAgentID) {
			return SelectionResult{Selected: []string{o.cfg.GlobalDefaultAgentID}, Reason: ReasonDefaultAgent}
		}
	}

	return SelectionResult{Reason: ReasonNone}
}

func setToSlice(s map[string]bool) []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RecordResponse implements spec.md §4.5's recordAgentResponse(agentId, channelId).
func (o *Orchestrator) RecordResponse(agentID, channelID string) {
	lock := o.lockFor(channelID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	chain := o.chainFor(channelID)

	o.stateMu.Lock()
	o.cooldowns[agentID] = now

	if chain.LastResponseAt.IsZero() || now.Sub(chain.LastResponseAt) > time.Duration(o.cfg.ChainWindowMs)*time.Millisecond {
		chain.Length = 1
	} else {
		chain.Length++
	}
	chain.LastResponseAt = now
	chain.LastAgentID = agentID

	effectiveMax := o.cfg.MaxChainLength
	if override, ok := o.overrideFor(channelID); ok && override.ChainLimit > 0 {
		effectiveMax = override.ChainLimit
	}
	if chain.Length >= effectiveMax {
		chain.Blocked = true
	}
	o.stateMu.Unlock()

	o.historyMu.Lock()
	o.history = append(o.history, HistoryEntry{AgentID: agentID, ChannelID: channelID, At: now})
	if len(o.history) > historyCapacity {
		o.history = o.history[len(o.history)-historyCapacity:]
	}
	o.historyMu.Unlock()
}

// History returns a snapshot of the bounded response history (tests/introspection).
func (o *Orchestrator) History() []HistoryEntry {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	out := make([]HistoryEntry, len(o.history))
	copy(out, o.history)
	return out
}
