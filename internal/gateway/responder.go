// Package gateway's Responder closes the loop the teacher's gateway.go
// closes with forwardBusEvents: once Dispatcher.Handle has enqueued a
// prompt for a selected agent, something still has to acquire the runtime,
// send it, run the reply through enforcement, push it back out to whatever
// surface originated it, and record it with the orchestrator so cooldown
// and chain state advance (spec.md §2's full human-message data flow).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/agentswarm/internal/agentmgr"
	"github.com/basket/agentswarm/internal/enforcement"
	"github.com/basket/agentswarm/internal/queue"
	"github.com/basket/agentswarm/internal/router"
	"github.com/basket/agentswarm/internal/runtime"
	"github.com/basket/agentswarm/internal/ultrawork"
	"github.com/basket/agentswarm/internal/wave"
)

// ultraworkKeyword and waveKeyword gate the two bounded-autonomy entry
// points off the ordinary routing path (spec.md §4.10, §4.8).
const (
	ultraworkKeyword = "!ultrawork"
	waveKeyword      = "!wave"
)

// Replier pushes an agent's final response back to whatever connection,
// channel, or conversation originated the request that produced it. Each
// gateway adapter implements it over its own transport: Discord and Slack
// post directly through their REST clients, while WebSocketGateway tracks
// live connections the way zkoranges-go-claw/internal/gateway/gateway.go
// tracks clients for forwardBusEvents.
type Replier interface {
	Reply(ctx context.Context, channelID, text string) error
}

// Responder is the consumer half of the data flow Dispatcher.Handle starts:
// acquire -> AgentRuntime.Send -> EnforcementPipeline -> reply ->
// Orchestrator.RecordResponse -> release.
type Responder struct {
	orchestrator *router.Orchestrator
	queue        *queue.Queue
	agents       *agentmgr.Manager
	pipeline     *enforcement.Pipeline
	ultrawork    *ultrawork.Controller
	waves        *wave.WaveExecutor

	repliersMu sync.RWMutex
	repliers   map[string]Replier

	logger *slog.Logger
}

// NewResponder wires the response consumer from the same components
// cmd/agentswarm already constructs for the routing half. uw and waves may
// be nil, in which case their keyword triggers are inert.
func NewResponder(orchestrator *router.Orchestrator, q *queue.Queue, agents *agentmgr.Manager, pipeline *enforcement.Pipeline, uw *ultrawork.Controller, waves *wave.WaveExecutor) *Responder {
	return &Responder{
		orchestrator: orchestrator,
		queue:        q,
		agents:       agents,
		pipeline:     pipeline,
		ultrawork:    uw,
		waves:        waves,
		repliers:     make(map[string]Replier),
		logger:       slog.Default().With("component", "gateway-responder"),
	}
}

// RegisterReplier associates a gateway source name ("websocket", "discord",
// "slack") with the adapter that can push a reply back out over it.
func (r *Responder) RegisterReplier(source string, rep Replier) {
	r.repliersMu.Lock()
	defer r.repliersMu.Unlock()
	r.repliers[source] = rep
}

func (r *Responder) replierFor(source string) Replier {
	r.repliersMu.RLock()
	defer r.repliersMu.RUnlock()
	return r.repliers[source]
}

func (r *Responder) reply(ctx context.Context, source, channelID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	rep := r.replierFor(source)
	if rep == nil {
		r.logger.Warn("no replier registered for source", "source", source)
		return
	}
	if err := rep.Reply(ctx, channelID, text); err != nil {
		r.logger.Warn("reply delivery failed", "source", source, "channel_id", channelID, "error", err)
	}
}

// Watch attaches the idle listener that drives MessageQueue.Drain
// (spec.md §6.3's "idle" event driving drain()). It is registered through
// agentmgr.Manager.OnRuntimeReady so it fires exactly once per created
// AgentRuntime, regardless of how many messages later reuse it.
func (r *Responder) Watch(key agentmgr.ChannelKey, rt *runtime.AgentRuntime) {
	rt.OnEvent(func(ev runtime.Event) {
		if ev.Kind != runtime.EventIdle {
			return
		}
		r.drainAgent(context.Background(), key, rt)
	})
}

// Deliver acquires the runtime for each agent Dispatcher.Handle selected and
// drains its queue against it, each in its own goroutine so the calling
// gateway's accept loop is never blocked on an agent reply.
func (r *Responder) Deliver(source string, msg queue.MessageContext, result router.SelectionResult) {
	for _, agentID := range result.Selected {
		agentID := agentID
		go r.deliverOne(source, msg.ChannelID, agentID)
	}
}

func (r *Responder) deliverOne(source, channelID, agentID string) {
	ctx := context.Background()
	rt, err := r.agents.Get(ctx, source, channelID, agentID)
	if err != nil {
		r.logger.Warn("acquire runtime for drain failed", "agent_id", agentID, "channel_id", channelID, "error", err)
		return
	}
	key := agentmgr.ChannelKey{Source: source, ChannelID: channelID, AgentID: agentID}
	r.drainAgent(ctx, key, rt)
	r.agents.Release(agentID, rt)
}

func (r *Responder) drainAgent(ctx context.Context, key agentmgr.ChannelKey, rt *runtime.AgentRuntime) {
	send := func(ctx context.Context, rt *runtime.AgentRuntime, msg queue.QueuedMessage) (runtime.Response, error) {
		return rt.Send(ctx, msg.Prompt)
	}
	cb := func(_ string, msg queue.QueuedMessage, resp runtime.Response) {
		r.finishResponse(ctx, key, msg, resp)
	}
	if err := r.queue.Drain(ctx, key.AgentID, rt, send, cb); err != nil {
		r.logger.Warn("queue drain failed", "agent_id", key.AgentID, "error", err)
	}
}

func (r *Responder) finishResponse(ctx context.Context, key agentmgr.ChannelKey, msg queue.QueuedMessage, resp runtime.Response) {
	ectx := enforcement.Context{
		SessionID: resp.SessionID,
		IsBot:     msg.Context.IsBot,
		EndOfTurn: true,
	}
	final, err := r.pipeline.Process(ctx, ectx, msg.Prompt, resp.Text, nil)
	if err != nil {
		r.logger.Warn("enforcement pipeline error", "agent_id", key.AgentID, "error", err)
		final = resp.Text
	}
	r.reply(ctx, key.Source, msg.ChannelID, final)
	r.orchestrator.RecordResponse(key.AgentID, msg.ChannelID)
}

// TriggerUltraWork detects the ultrawork keyword prefix and, if present,
// runs the bounded autonomous loop against the first selected agent instead
// of the ordinary enqueue/drain path (spec.md §4.10). Reports whether it
// took over handling the message.
func (r *Responder) TriggerUltraWork(source string, msg queue.MessageContext, result router.SelectionResult) bool {
	if r.ultrawork == nil || len(result.Selected) == 0 {
		return false
	}
	trimmed := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(strings.ToLower(trimmed), ultraworkKeyword) {
		return false
	}
	prompt := strings.TrimSpace(trimmed[len(ultraworkKeyword):])
	leadAgentID := result.Selected[0]
	go r.runUltraWork(source, msg.ChannelID, leadAgentID, prompt)
	return true
}

func (r *Responder) runUltraWork(source, channelID, leadAgentID, prompt string) {
	ctx := context.Background()
	send := func(ctx context.Context, p string) (string, bool, error) {
		rt, err := r.agents.Get(ctx, source, channelID, leadAgentID)
		if err != nil {
			return "", false, err
		}
		defer r.agents.Release(leadAgentID, rt)
		resp, err := rt.Send(ctx, p)
		if err != nil {
			return "", errors.Is(err, runtime.ErrDead), err
		}
		return resp.Text, false, nil
	}

	sessionID := source + "|" + channelID + "|" + leadAgentID
	result, err := r.ultrawork.Run(ctx, sessionID, leadAgentID, prompt, send)
	if err != nil {
		r.logger.Warn("ultrawork run failed", "agent_id", leadAgentID, "error", err)
		r.reply(ctx, source, channelID, fmt.Sprintf("ultrawork stopped: %v", err))
		return
	}
	r.reply(ctx, source, channelID, result.FinalResp)
	r.orchestrator.RecordResponse(leadAgentID, channelID)
}

// TriggerWave detects the wave keyword prefix and, if present, parses the
// message body into blank-line-separated waves of "agentId: task" lines and
// runs them through WaveExecutor (spec.md §4.8). Reports whether it took
// over handling the message.
func (r *Responder) TriggerWave(source string, msg queue.MessageContext, result router.SelectionResult) bool {
	if r.waves == nil {
		return false
	}
	trimmed := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(strings.ToLower(trimmed), waveKeyword) {
		return false
	}
	body := strings.TrimSpace(trimmed[len(waveKeyword):])
	waves := parseWaves(body, result.Selected)
	if len(waves) == 0 {
		return false
	}
	planID := uuid.NewString()
	go r.runWave(source, msg.ChannelID, planID, waves)
	return true
}

func (r *Responder) runWave(source, channelID, planID string, waves []wave.Wave) {
	ctx := context.Background()
	exec := func(ctx context.Context, task wave.Task) (string, error) {
		rt, err := r.agents.Get(ctx, source, channelID, task.AgentID)
		if err != nil {
			return "", err
		}
		defer r.agents.Release(task.AgentID, rt)

		resp, err := rt.Send(ctx, task.Payload)
		if err != nil {
			return "", err
		}
		final, perr := r.pipeline.Process(ctx, enforcement.Context{SessionID: planID, EndOfTurn: true}, task.Payload, resp.Text, nil)
		if perr != nil {
			final = resp.Text
		}
		r.orchestrator.RecordResponse(task.AgentID, channelID)
		return final, nil
	}

	results, err := r.waves.Run(ctx, planID, waves, exec)
	if err != nil {
		r.logger.Warn("wave run failed", "plan_id", planID, "error", err)
	}
	r.reply(ctx, source, channelID, summarizeWaveResults(results))
}

// parseWaves splits a wave command's body on blank lines into successive
// waves; within a wave, each "agentId: task" line becomes one task, falling
// back to the first routed agent when a line omits the prefix.
func parseWaves(body string, fallbackAgents []string) []wave.Wave {
	blocks := strings.Split(body, "\n\n")
	var waves []wave.Wave
	for i, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var tasks []wave.Task
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			agentID, payload, ok := strings.Cut(line, ":")
			agentID = strings.TrimSpace(agentID)
			if !ok || agentID == "" {
				if len(fallbackAgents) == 0 {
					continue
				}
				agentID = fallbackAgents[0]
				payload = line
			}
			tasks = append(tasks, wave.Task{
				ID:      fmt.Sprintf("%d-%d", i+1, len(tasks)+1),
				AgentID: agentID,
				Payload: strings.TrimSpace(payload),
			})
		}
		if len(tasks) > 0 {
			waves = append(waves, wave.Wave{Number: i + 1, Tasks: tasks})
		}
	}
	return waves
}

func summarizeWaveResults(results map[string]wave.TaskResult) string {
	if len(results) == 0 {
		return "wave completed with no tasks"
	}
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("wave completed:\n")
	for _, id := range ids {
		res := results[id]
		fmt.Fprintf(&b, "- %s: %s\n", id, res.Status)
	}
	return b.String()
}
