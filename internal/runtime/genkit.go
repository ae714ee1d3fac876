package runtime

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/agentswarm/internal/pricing"
	"github.com/basket/agentswarm/internal/tokenutil"
)

// Backend identifies one of the three configured AI backends (spec.md §3
// Agent.backend).
type Backend string

const (
	BackendClaude Backend = "claude"
	BackendCodex  Backend = "codex"
	BackendGemini Backend = "gemini"
)

// GenkitBrain drives a single genkit.Genkit instance against one backend
// plugin, the same provider-switch shape as internal/engine/brain.go's
// NewGenkitBrain, generalized from one hardcoded provider to the three
// backends an Agent can declare.
type GenkitBrain struct {
	g     *genkit.Genkit
	model string
	// pricingModel is the bare model name (no provider prefix), used to
	// look up per-token cost in internal/pricing's table.
	pricingModel string
}

// NewGenkitBrain wires the genkit plugin matching backend and returns a
// Brain ready to drive an AgentRuntime.
func NewGenkitBrain(ctx context.Context, backend Backend, model, apiKey string) (*GenkitBrain, error) {
	var plugin genkit.Plugin
	var modelRef string

	switch backend {
	case BackendClaude:
		plugin = &anthropic.Anthropic{APIKey: apiKey}
		modelRef = "anthropic/" + model
	case BackendGemini:
		plugin = &googlegenai.GoogleAI{APIKey: apiKey}
		modelRef = "googleai/" + model
	case BackendCodex:
		plugin = &compat_oai.OpenAICompatible{
			Provider: "codex",
			APIKey:   apiKey,
			BaseURL:  "https://api.openai.com/v1",
		}
		modelRef = "codex/" + model
	default:
		return nil, fmt.Errorf("runtime: unknown backend %q", backend)
	}

	g, err := genkit.Init(ctx, genkit.WithPlugins(plugin))
	if err != nil {
		return nil, fmt.Errorf("runtime: init genkit for backend %q: %w", backend, err)
	}

	return &GenkitBrain{g: g, model: modelRef, pricingModel: model}, nil
}

// Respond issues one blocking generate call. sessionID is passed through for
// usage/telemetry correlation only — genkit session state is not persisted
// across process restarts (spec.md §1 Non-goals).
func (b *GenkitBrain) Respond(ctx context.Context, systemPrompt, sessionID, prompt string) (Response, error) {
	resp, err := genkit.Generate(ctx, b.g,
		ai.WithModelName(b.model),
		ai.WithSystem(systemPrompt),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return Response{}, fmt.Errorf("genkit generate: %w", err)
	}

	text := resp.Text()
	usage := Usage{
		PromptTokens:     tokenutil.EstimateTokens(systemPrompt + prompt),
		CompletionTokens: tokenutil.EstimateTokens(text),
	}
	if u := resp.Usage; u != nil {
		usage.PromptTokens = u.InputTokens
		usage.CompletionTokens = u.OutputTokens
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	usage.CostUSD = pricing.EstimateCost(b.pricingModel, usage.PromptTokens, usage.CompletionTokens)

	return Response{
		Text:      text,
		Usage:     usage,
		SessionID: sessionID,
	}, nil
}
