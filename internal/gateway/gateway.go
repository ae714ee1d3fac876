// Package gateway implements spec.md §6.2's external collaborator "Gateway
// adapter": one goroutine per external chat surface that turns inbound
// traffic into queue.MessageContext and hands it to a Dispatcher, which runs
// the routing cascade and enqueues work for whichever agents are selected.
// The three concrete adapters (websocket, Discord, Slack) are grounded on
// zkoranges-go-claw/internal/gateway/gateway.go's websocket server,
// vanducng-goclaw/internal/channels/discord/discord.go, and
// codeready-toolchain-tarsy/pkg/slack/client.go respectively.
package gateway

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentswarm/internal/otel"
	"github.com/basket/agentswarm/internal/queue"
	"github.com/basket/agentswarm/internal/router"
	"github.com/basket/agentswarm/internal/safety"
)

// Gateway is one external chat surface. Start blocks until ctx is canceled
// or the surface disconnects; Stop requests a graceful shutdown.
type Gateway interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Dispatcher wires an inbound MessageContext through the routing cascade and
// into the per-agent queue, the way the teacher's gateway.go hands a decoded
// client RPC request to the engine.
type Dispatcher struct {
	orchestrator *router.Orchestrator
	queue        *queue.Queue
	sanitizer    *safety.Sanitizer
	tracer       trace.Tracer
	logger       *slog.Logger

	responder *Responder
}

// NewDispatcher builds a Dispatcher from an already-configured Orchestrator
// and Queue (both owned by cmd/agentswarm's wiring). tracer may be nil, in
// which case every span is a no-op (the same zero-overhead default
// internal/otel.Init returns when telemetry is disabled).
func NewDispatcher(orchestrator *router.Orchestrator, q *queue.Queue, tracer trace.Tracer) *Dispatcher {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Dispatcher{
		orchestrator: orchestrator,
		queue:        q,
		sanitizer:    safety.NewSanitizer(),
		tracer:       tracer,
		logger:       slog.Default().With("component", "gateway-dispatcher"),
	}
}

// SetResponder wires the consumer half of the data flow: acquire ->
// AgentRuntime.send -> EnforcementPipeline -> reply ->
// Orchestrator.recordResponse -> release. Without one, Handle only enqueues
// and nothing ever drains the queue.
func (d *Dispatcher) SetResponder(r *Responder) {
	d.responder = r
}

// Handle runs the routing cascade for one inbound message, then hands the
// selection to the Responder (if wired) to drain, send, enforce, reply, and
// record. Blocked selections are logged, not surfaced as an error —
// spec.md §4.5 treats LoopBlocked/CooldownBlocked as expected outcomes, not
// failures. Inbound content is screened for prompt injection
// (internal/safety/sanitizer.go) before routing; ActionBlock content never
// reaches the orchestrator or any agent queue.
func (d *Dispatcher) Handle(ctx context.Context, source string, msg queue.MessageContext) router.SelectionResult {
	ctx, span := otel.StartServerSpan(ctx, d.tracer, "gateway.dispatch",
		otel.AttrSessionID.String(msg.ChannelID))
	defer span.End()

	check := d.sanitizer.Check(msg.Content)
	if check.Action == safety.ActionBlock {
		d.logger.Warn("blocked inbound message", "channel_id", msg.ChannelID, "reason", check.Reason, "source", source)
		return router.SelectionResult{Blocked: true, Reason: "injection_blocked: " + check.Reason}
	}
	if check.Action == safety.ActionWarn {
		d.logger.Warn("suspicious inbound message", "channel_id", msg.ChannelID, "reason", check.Reason, "source", source)
	}

	result := d.orchestrator.Select(msg)
	if result.Blocked {
		d.logger.Debug("message routing blocked", "channel_id", msg.ChannelID, "reason", result.Reason)
		return result
	}

	if d.responder != nil {
		if d.responder.TriggerUltraWork(source, msg, result) {
			return result
		}
		if d.responder.TriggerWave(source, msg, result) {
			return result
		}
	}

	for _, agentID := range result.Selected {
		d.queue.Enqueue(agentID, queue.QueuedMessage{
			Prompt:    msg.Content,
			ChannelID: msg.ChannelID,
			Source:    source,
			Context:   msg,
		})
	}

	if d.responder != nil {
		d.responder.Deliver(source, msg, result)
	}

	return result
}
