// Package runtime implements C1 AgentRuntime: the adapter over one AI
// backend subprocess/session. It serializes calls to send, tracks a
// monotonic state machine, and surfaces idle/close/error events the way
// zkoranges-go-claw's engine.Engine tracks per-task lifecycle and
// internal/engine/brain.go's Brain interface abstracts the backend call.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the AgentRuntime state machine (spec.md §3 AgentRuntime).
// Transitions are monotonic except Idle<->Busy.
type State int

const (
	StateStarting State = iota
	StateIdle
	StateBusy
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Sentinel errors, surfaced as the design-level error kinds from spec.md §7.
var (
	ErrBusy     = errors.New("runtime: busy")
	ErrDead     = errors.New("runtime: dead")
	ErrProtocol = errors.New("runtime: protocol error")
)

// Usage reports token accounting for a single send, consumed by the
// tokenutil/cost bookkeeping the way engine.go attaches usage to task_metrics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
}

// Response is the result of AgentRuntime.Send.
type Response struct {
	Text      string
	Usage     Usage
	SessionID string
}

// EventKind distinguishes AgentRuntime lifecycle events (spec.md §6.3).
type EventKind int

const (
	EventIdle EventKind = iota
	EventClose
	EventError
)

// Event is delivered to handlers registered via OnEvent.
type Event struct {
	Kind  EventKind
	Err   error
	AtUTC time.Time
}

// Brain is the minimal backend contract a concrete runtime drives. It mirrors
// internal/engine/brain.go's Brain interface (Respond/Stream), generalized
// to the three configured backends (claude/codex/gemini) instead of one
// provider switch baked into a single struct.
type Brain interface {
	// Respond issues one blocking request/response exchange against the
	// backend, honoring ctx cancellation mid-flight.
	Respond(ctx context.Context, systemPrompt, sessionID, prompt string) (Response, error)
}

// AgentRuntime owns exactly one backend session. Calls to Send are
// serialized: a concurrent Send while Busy fails with ErrBusy (spec.md §4.1,
// invariant 1).
type AgentRuntime struct {
	mu        sync.Mutex
	state     State
	brain     Brain
	sessionID string
	system    string

	handlersMu sync.RWMutex
	handlers   []func(Event)
}

// New constructs an AgentRuntime around a Brain implementation, starting in
// StateStarting until the first successful handshake-equivalent Send.
func New(brain Brain, systemPrompt string) *AgentRuntime {
	return &AgentRuntime{
		state:     StateStarting,
		brain:     brain,
		sessionID: uuid.NewString(),
		system:    systemPrompt,
	}
}

// OnEvent registers a handler for idle/close/error events. Matches the
// "explicit observer interface" design note (spec.md §9): no raw listener
// count is exposed.
func (r *AgentRuntime) OnEvent(handler func(Event)) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers = append(r.handlers, handler)
}

func (r *AgentRuntime) emit(ev Event) {
	r.handlersMu.RLock()
	handlers := append([]func(Event){}, r.handlers...)
	r.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// IsReady reports state == Idle.
func (r *AgentRuntime) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateIdle
}

// State returns the current lifecycle state.
func (r *AgentRuntime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionID returns the session identifier this runtime's backend uses to
// correlate a conversation.
func (r *AgentRuntime) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Send serializes one request against the backend. A second Send while Busy
// fails immediately with ErrBusy; it never blocks waiting for the in-flight
// call (spec.md §4.1).
func (r *AgentRuntime) Send(ctx context.Context, prompt string) (Response, error) {
	r.mu.Lock()
	switch r.state {
	case StateDead:
		r.mu.Unlock()
		return Response{}, ErrDead
	case StateBusy:
		r.mu.Unlock()
		return Response{}, ErrBusy
	}
	r.state = StateBusy
	sessionID := r.sessionID
	r.mu.Unlock()

	resp, err := r.brain.Respond(ctx, r.system, sessionID, prompt)

	r.mu.Lock()
	if r.state == StateDead {
		// Stop() ran concurrently with the in-flight send; the caller's
		// outstanding send must see the rejection, not a stale success.
		r.mu.Unlock()
		return Response{}, ErrDead
	}
	if err != nil {
		r.state = StateDead
		r.mu.Unlock()
		wrapped := fmt.Errorf("%w: %v", ErrProtocol, err)
		r.emit(Event{Kind: EventError, Err: wrapped, AtUTC: time.Now()})
		return Response{}, wrapped
	}
	r.state = StateIdle
	r.mu.Unlock()
	r.emit(Event{Kind: EventIdle, AtUTC: time.Now()})
	return resp, nil
}

// Stop transitions the runtime to Dead. Any outstanding Send observes Dead on
// completion and rejects its result; a subsequent Send call also rejects.
func (r *AgentRuntime) Stop() {
	r.mu.Lock()
	if r.state == StateDead {
		r.mu.Unlock()
		return
	}
	r.state = StateDead
	r.mu.Unlock()
	r.emit(Event{Kind: EventClose, AtUTC: time.Now()})
}
