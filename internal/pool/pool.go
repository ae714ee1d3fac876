// Package pool implements C2 ProcessPool: a per-agent set of AgentRuntimes
// with acquire/release and idle/hung sweepers. Grounded on
// zkoranges-go-claw/internal/engine/engine.go's worker-slot bookkeeping
// (reserve a slot under lock, run the slow factory unlocked, fill the slot)
// and internal/agent/registry.go's per-map mutex discipline.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentswarm/internal/bus"
	"github.com/basket/agentswarm/internal/runtime"
)

// ErrPoolFull is the backpressure signal callers translate into
// MessageQueue.enqueue (spec.md §4.2, §5).
var ErrPoolFull = errors.New("pool: full")

const (
	// DefaultIdleTimeout is the pool-level default (spec.md §4.2, §9 OQ1)
	// used only when a pool is constructed without an AgentProcessManager
	// setting a tighter value.
	DefaultIdleTimeout = 10 * time.Minute
	DefaultHungTimeout  = 15 * time.Minute
)

// Factory starts a fresh AgentRuntime for an acquire miss.
type Factory func(ctx context.Context) (*runtime.AgentRuntime, error)

// entry is one pooled runtime slot.
type entry struct {
	runtime    *runtime.AgentRuntime
	busy       bool
	lastUsedAt time.Time
	acquiredAt time.Time
}

// agentPool is the per-agent slot vector plus the single mutex serializing
// acquire/release/sweep for that agent (spec.md §5: "acquire/release must be
// linearizable per agent").
type agentPool struct {
	mu      sync.Mutex
	entries []*entry
	maxSize int
}

// Config configures a Pool.
type Config struct {
	DefaultPoolSize int
	PerAgentSize    map[string]int
	IdleTimeout     time.Duration
	HungTimeout     time.Duration
	Bus             *bus.Bus
	Logger          *slog.Logger
}

// Pool owns every AgentRuntime it creates exclusively (spec.md §3
// Ownership). Consumers receive a borrowed handle via Acquire and must
// Release it.
type Pool struct {
	mu     sync.Mutex
	agents map[string]*agentPool

	defaultSize  int
	perAgentSize map[string]int
	idleTimeout  time.Duration
	hungTimeout  time.Duration
	bus          *bus.Bus
	logger       *slog.Logger

	cron   *cronlib.Cron
	cancel context.CancelFunc
}

// New constructs a Pool. IdleTimeout/HungTimeout default per spec.md §4.2.
func New(cfg Config) *Pool {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	hung := cfg.HungTimeout
	if hung <= 0 {
		hung = DefaultHungTimeout
	}
	defaultSize := cfg.DefaultPoolSize
	if defaultSize <= 0 {
		defaultSize = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		agents:       make(map[string]*agentPool),
		defaultSize:  defaultSize,
		perAgentSize: cfg.PerAgentSize,
		idleTimeout:  idle,
		hungTimeout:  hung,
		bus:          cfg.Bus,
		logger:       logger,
	}
}

func (p *Pool) maxSizeFor(agentID string) int {
	if p.perAgentSize != nil {
		if n, ok := p.perAgentSize[agentID]; ok && n > 0 {
			return n
		}
	}
	return p.defaultSize
}

func (p *Pool) poolFor(agentID string) *agentPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.agents[agentID]
	if !ok {
		ap = &agentPool{maxSize: p.maxSizeFor(agentID)}
		p.agents[agentID] = ap
	}
	return ap
}

// Acquire implements spec.md §4.2 acquire(agentId, channelKey, factory).
// channelKey is accepted for call-site symmetry with AgentProcessManager but
// is not itself part of pool selection — LRU-idle-first is agent-scoped, not
// channel-scoped, per spec.md's tie-break rule.
func (p *Pool) Acquire(ctx context.Context, agentID, channelKey string, factory Factory) (rt *runtime.AgentRuntime, isNew bool, err error) {
	ap := p.poolFor(agentID)

	ap.mu.Lock()

	// Step 1: prefer the least-recently-used idle, ready entry.
	var chosen *entry
	for _, e := range ap.entries {
		if e.busy || !e.runtime.IsReady() {
			continue
		}
		if chosen == nil || e.lastUsedAt.Before(chosen.lastUsedAt) {
			chosen = e
		}
	}
	if chosen != nil {
		chosen.busy = true
		chosen.acquiredAt = time.Now()
		ap.mu.Unlock()
		return chosen.runtime, false, nil
	}

	// Step 2: grow the pool if there's room. Reserve the slot under lock,
	// run the factory unlocked (it is slow — subprocess/session startup),
	// then fill the slot. On factory failure, compensate by releasing the
	// reservation (engine.go's reserve/compensate pattern).
	if len(ap.entries) >= ap.maxSize {
		ap.mu.Unlock()
		return nil, false, fmt.Errorf("%w: agent %q at max size %d", ErrPoolFull, agentID, ap.maxSize)
	}
	placeholder := &entry{busy: true}
	ap.entries = append(ap.entries, placeholder)
	ap.mu.Unlock()

	newRuntime, ferr := factory(ctx)
	if ferr != nil {
		ap.mu.Lock()
		ap.entries = removeEntry(ap.entries, placeholder)
		ap.mu.Unlock()
		return nil, false, fmt.Errorf("pool: factory for agent %q: %w", agentID, ferr)
	}

	now := time.Now()
	ap.mu.Lock()
	placeholder.runtime = newRuntime
	placeholder.lastUsedAt = now
	placeholder.acquiredAt = now
	ap.mu.Unlock()

	p.publish("process-created", agentID)
	return newRuntime, true, nil
}

func removeEntry(entries []*entry, target *entry) []*entry {
	out := entries[:0]
	for _, e := range entries {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

// Release returns a borrowed runtime to the pool.
func (p *Pool) Release(agentID string, rt *runtime.AgentRuntime) {
	ap := p.poolFor(agentID)
	ap.mu.Lock()
	defer ap.mu.Unlock()
	for _, e := range ap.entries {
		if e.runtime == rt {
			e.busy = false
			e.lastUsedAt = time.Now()
			e.acquiredAt = time.Time{}
			return
		}
	}
}

// Len reports the current number of entries for an agent (tests/introspection).
func (p *Pool) Len(agentID string) int {
	ap := p.poolFor(agentID)
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return len(ap.entries)
}

func (p *Pool) publish(topic, agentID string) {
	if p.bus != nil {
		p.bus.Publish(topic, agentID)
	}
}

// sweepIdle stops and removes entries idle longer than idleTimeout.
func (p *Pool) sweepIdle() {
	p.mu.Lock()
	agentIDs := make([]string, 0, len(p.agents))
	for id := range p.agents {
		agentIDs = append(agentIDs, id)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, agentID := range agentIDs {
		ap := p.poolFor(agentID)
		ap.mu.Lock()
		kept := ap.entries[:0]
		for _, e := range ap.entries {
			if !e.busy && now.Sub(e.lastUsedAt) > p.idleTimeout {
				e.runtime.Stop()
				p.logger.Info("pool sweep idle", "agent_id", agentID)
				continue
			}
			kept = append(kept, e)
		}
		ap.entries = kept
		ap.mu.Unlock()
	}
}

// sweepHung kills entries that have been busy longer than hungTimeout.
func (p *Pool) sweepHung() {
	p.mu.Lock()
	agentIDs := make([]string, 0, len(p.agents))
	for id := range p.agents {
		agentIDs = append(agentIDs, id)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, agentID := range agentIDs {
		ap := p.poolFor(agentID)
		ap.mu.Lock()
		kept := ap.entries[:0]
		for _, e := range ap.entries {
			if e.busy && now.Sub(e.acquiredAt) > p.hungTimeout {
				e.runtime.Stop()
				p.logger.Warn("pool sweep hung", "agent_id", agentID)
				continue
			}
			kept = append(kept, e)
		}
		ap.entries = kept
		ap.mu.Unlock()
	}
}

// Start schedules the idle and hung sweepers on robfig/cron, the same
// scheduler internal/cron/scheduler.go already wraps for subtask
// scheduling, generalized here to timer-based pool maintenance instead of a
// raw time.Ticker.
func (p *Pool) Start(ctx context.Context) error {
	_, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.cron = cronlib.New()
	if _, err := p.cron.AddFunc("@every 30s", p.sweepIdle); err != nil {
		return fmt.Errorf("pool: schedule idle sweep: %w", err)
	}
	if _, err := p.cron.AddFunc("@every 30s", p.sweepHung); err != nil {
		return fmt.Errorf("pool: schedule hung sweep: %w", err)
	}
	p.cron.Start()
	return nil
}

// Stop halts the sweepers. Pooled runtimes are left running; callers that
// want a full shutdown should drain agents explicitly first.
func (p *Pool) Stop() {
	if p.cron != nil {
		stopCtx := p.cron.Stop()
		<-stopCtx.Done()
	}
	if p.cancel != nil {
		p.cancel()
	}
}
