// Package ultrawork implements C10 UltraWork: a bounded autonomous loop
// combining DelegationManager and EnforcementPipeline with step/time caps
// and continuation detection. Grounded on
// zkoranges-go-claw/internal/coordinator/retry.go's attempt-bounded retry
// loop with elapsed-time accounting.
package ultrawork

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentswarm/internal/delegation"
	"github.com/basket/agentswarm/internal/enforcement"
)

// Defaults from spec.md §4.10.
const (
	DefaultMaxSteps     = 20
	DefaultMaxDuration  = 30 * time.Minute
	DefaultStepTimeout  = 5 * time.Minute
)

// ErrStepTimeout is returned when a single step exceeds its execute timeout.
var ErrStepTimeout = errors.New("ultrawork: step execution timed out")

// ErrTerminalFailure signals the lead agent reported it cannot continue.
var ErrTerminalFailure = errors.New("ultrawork: lead agent signaled terminal failure")

// LeadSend executes the lead agent with a prompt, applying the caller's own
// cancellation semantics (spec.md §4.1's AgentRuntime.send contract).
type LeadSend func(ctx context.Context, prompt string) (response string, terminalFailure bool, err error)

// Config bounds one UltraWork run.
type Config struct {
	MaxSteps    int
	MaxDuration time.Duration
	StepTimeout time.Duration
}

// StepRecord is one completed step, returned for observability.
type StepRecord struct {
	Step         int
	Response     string
	Delegated    bool
	DelegationTo string
}

// Result is the outcome of Run.
type Result struct {
	Steps        []StepRecord
	FinalResp    string
	Completed    bool // true if ended via continuation detection rather than a cap
	StoppedSteps bool
	StoppedTime  bool
}

// Controller is C10.
type Controller struct {
	cfg         Config
	delegations *delegation.Manager
	pipeline    *enforcement.Pipeline
	execDelegated delegation.ExecCallback
	notify        delegation.NotifyCallback
}

// New constructs a Controller. Zero-value Config fields take spec.md defaults.
func New(cfg Config, delegations *delegation.Manager, pipeline *enforcement.Pipeline, execDelegated delegation.ExecCallback, notify delegation.NotifyCallback) *Controller {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Controller{
		cfg:           cfg,
		delegations:   delegations,
		pipeline:      pipeline,
		execDelegated: execDelegated,
		notify:        notify,
	}
}

// Run drives the bounded autonomous loop (spec.md §4.10).
func (c *Controller) Run(ctx context.Context, sessionID, leadAgentID, initialPrompt string, send LeadSend) (Result, error) {
	deadline := time.Now().Add(c.cfg.MaxDuration)
	prompt := initialPrompt
	var result Result

	for step := 1; step <= c.cfg.MaxSteps; step++ {
		if time.Now().After(deadline) {
			result.StoppedTime = true
			break
		}

		stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
		response, terminalFailure, err := send(stepCtx, prompt)
		timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if timedOut {
				return result, fmt.Errorf("%w (step %d)", ErrStepTimeout, step)
			}
			return result, fmt.Errorf("ultrawork: lead agent send (step %d): %w", step, err)
		}
		if terminalFailure {
			return result, fmt.Errorf("%w (step %d)", ErrTerminalFailure, step)
		}

		rec := StepRecord{Step: step, Response: response}

		// Step 2: parse and, if allowed, execute a delegation; continue the
		// lead agent with the delegate's result folded into the next prompt.
		parsed := delegation.ParseDelegation(leadAgentID, response)
		delegationPrompt := ""
		if parsed.Request != nil && c.delegations != nil {
			req := *parsed.Request
			if ok, reason := c.delegations.IsDelegationAllowed(req.FromAgentID, req.ToAgentID); ok {
				req.Prompt = delegation.BuildPrompt(req.FromAgentID, req.FromAgentID, req.Task)
				delegationPrompt = req.Prompt
				delResult := c.delegations.ExecuteDelegation(ctx, req, c.execDelegated, c.notify)
				rec.Delegated = true
				rec.DelegationTo = req.ToAgentID
				if delResult.Err != nil {
					prompt = fmt.Sprintf("%s\n\nDelegation to %s failed: %v", parsed.VisibleContent, req.ToAgentID, delResult.Err)
				} else {
					prompt = fmt.Sprintf("%s\n\nResult from %s:\n%s", parsed.VisibleContent, req.ToAgentID, delResult.Response)
				}
			} else {
				prompt = fmt.Sprintf("%s\n\nDelegation rejected: %s", parsed.VisibleContent, reason)
			}
		} else {
			prompt = parsed.VisibleContent
		}

		// Step 3: continuation enforcement.
		final := response
		if c.pipeline != nil {
			ectx := enforcement.Context{
				SessionID:        sessionID,
				IsDelegation:     rec.Delegated,
				DelegationPrompt: delegationPrompt,
				EndOfTurn:        true,
			}
			out, perr := c.pipeline.Process(ctx, ectx, prompt, response, nil)
			if perr == nil {
				final = out
			}
			rec.Response = final
			result.Steps = append(result.Steps, rec)
			result.FinalResp = final

			if c.pipeline.IsSessionComplete(sessionID) && !rec.Delegated {
				result.Completed = true
				return result, nil
			}
		} else {
			result.Steps = append(result.Steps, rec)
			result.FinalResp = final
		}

		if step == c.cfg.MaxSteps {
			result.StoppedSteps = true
		}
	}

	return result, nil
}
