// Package enforcement implements C9 EnforcementPipeline: an ordered stage
// chain applied to every agent response before it leaves the system
// (ResponseValidator -> ReviewGate -> ScopeGuard -> TodoTracker), with
// per-stage retry and downgrade semantics. Grounded on
// internal/safety/sanitizer.go's pre-compiled pattern-table-plus-Action
// idiom, generalized from a single allow/warn/block check into a
// multi-stage pipeline with retry.
package enforcement

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/basket/agentswarm/internal/safety"
)

const maxRetries = 2

// Context is the per-response information a stage needs.
type Context struct {
	SessionID        string
	IsBot            bool
	IsDelegation     bool
	DelegationPrompt string   // prompt sent to the delegate, used to extract EXPECTED OUTCOME
	ModifiedFiles    []string // from git diff; nil if unavailable
	EndOfTurn        bool     // true when the agent signals it is done responding
}

// StageResult is one stage's verdict (spec.md §4.9).
type StageResult struct {
	Valid    bool
	Modified string // non-empty: rewritten response text
	Feedback string
	Retry    bool
}

// Stage is one link in the EnforcementPipeline chain.
type Stage interface {
	Name() string
	Run(ectx Context, response string, attempt int) StageResult
}

// Downgrader is implemented by stages with a maxRetries-exceeded fallback
// (spec.md §4.9.b ReviewGate's APPROVE -> NEEDS_REVIEW rewrite).
type Downgrader interface {
	Downgrade(response string) string
}

// SendFunc re-invokes the originating agent with feedback appended, per
// spec.md §4.9's retry loop.
type SendFunc func(ctx context.Context, prompt string) (string, error)

// Pipeline is C9.
type Pipeline struct {
	stages []Stage
	todo   *TodoTracker
}

// New builds the standard pipeline: ResponseValidator -> ReviewGate ->
// ScopeGuard -> TodoTracker.
func New() *Pipeline {
	todo := NewTodoTracker()
	return &Pipeline{
		stages: []Stage{
			&ResponseValidator{leaks: safety.NewLeakDetector()},
			&ReviewGate{},
			&ScopeGuard{},
			todo,
		},
		todo: todo,
	}
}

// IsSessionComplete exposes the TodoTracker stage's completion signal for
// UltraWork's continuation detection (spec.md §4.10 step 3).
func (p *Pipeline) IsSessionComplete(sessionID string) bool {
	return p.todo.IsSessionComplete(sessionID)
}

// Process runs response through every stage, resending to the originating
// agent on a retryable rejection (spec.md §4.9 "Pipeline semantics").
func (p *Pipeline) Process(ctx context.Context, ectx Context, initialPrompt, response string, send SendFunc) (string, error) {
	current := response
	for _, stage := range p.stages {
		out, err := p.runStage(ctx, stage, ectx, initialPrompt, current, send)
		if err != nil {
			return current, err
		}
		current = out
	}
	return current, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, ectx Context, initialPrompt, response string, send SendFunc) (string, error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result := stage.Run(ectx, response, attempt)
		if result.Valid {
			if result.Modified != "" {
				return result.Modified, nil
			}
			return response, nil
		}
		if attempt == maxRetries {
			if dg, ok := stage.(Downgrader); ok {
				return dg.Downgrade(response), nil
			}
			return response, nil
		}
		if !result.Retry {
			return response, nil
		}
		if send == nil {
			return response, nil
		}
		newResponse, err := send(ctx, initialPrompt+"\n\n"+result.Feedback)
		if err != nil {
			return response, fmt.Errorf("enforcement: %s retry: %w", stage.Name(), err)
		}
		response = newResponse
	}
	return response, nil
}

// --- 4.9.a ResponseValidator ---------------------------------------------

var codeFencePattern = regexp.MustCompile("(?s)```.*?```")
var inlineCodePattern = regexp.MustCompile("`[^`]*`")

type flatteryPattern struct {
	re *regexp.Regexp
}

// flatteryPatterns covers direct praise, self-congratulation, status filler,
// and unnecessary confirmation, in English and Korean (spec.md §4.9.a).
var flatteryPatterns = []flatteryPattern{
	{re: regexp.MustCompile(`(?i)\b(great job|excellent work|amazing|fantastic|well done|awesome|brilliant)\b`)},
	{re: regexp.MustCompile(`(?i)\b(i did (a great|an excellent|a fantastic) job|i nailed (it|this))\b`)},
	{re: regexp.MustCompile(`(?i)\b(sure,? (thing|no problem)|certainly!|absolutely!|of course!)\b`)},
	{re: regexp.MustCompile(`(?i)\b(i('m| am) (happy|glad|pleased) to (help|confirm))\b`)},
	{re: regexp.MustCompile(`(훌륭|완벽합니다|대단하|멋집니다|잘했)`)},
}

const flatteryRatioThreshold = 0.2

// ResponseValidator rejects agent-to-agent responses dominated by praise or
// filler rather than substance, and redacts leaked secrets from any response
// regardless of sender (spec.md §4.9.a, supplemented by
// internal/safety/leak_detector.go's scan-and-redact idiom).
type ResponseValidator struct {
	leaks *safety.LeakDetector
}

func (*ResponseValidator) Name() string { return "response_validator" }

func (v *ResponseValidator) Run(ectx Context, response string, attempt int) StageResult {
	leaks := v.leaks
	if leaks == nil {
		leaks = safety.NewLeakDetector()
	}
	if warnings := leaks.Scan(response); len(warnings) > 0 {
		return StageResult{Valid: true, Modified: leaks.Redact(response)}
	}

	if !ectx.IsBot && !ectx.IsDelegation {
		return StageResult{Valid: true}
	}

	stripped := codeFencePattern.ReplaceAllString(response, "")
	stripped = inlineCodePattern.ReplaceAllString(stripped, "")
	total := len([]rune(stripped))
	if total == 0 {
		return StageResult{Valid: true}
	}

	matched := 0
	for _, p := range flatteryPatterns {
		for _, m := range p.re.FindAllString(stripped, -1) {
			matched += len([]rune(m))
		}
	}

	ratio := float64(matched) / float64(total)
	if ratio > flatteryRatioThreshold {
		return StageResult{
			Valid:   false,
			Retry:   true,
			Feedback: "Response rejected: contains praise/flattery. Restate with results only.",
		}
	}
	return StageResult{Valid: true}
}

// --- 4.9.b ReviewGate ------------------------------------------------------

var approvalTokenPattern = regexp.MustCompile(`(?i)\b(APPROVE|APPROVED|LGTM|PASS|승인|통과|합격)\b`)

var evidencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(tests? (pass|passed|passing)|test results?)\b`),
	regexp.MustCompile(`(?i)\b(build (succeeded|passed|ok)|compiled? (successfully|clean))\b`),
	regexp.MustCompile(`(?i)\b(typecheck|type-check|lint(ed|ing)?)\b`),
	regexp.MustCompile(`(?i)\b(verified|validated|confirmed by running)\b`),
	regexp.MustCompile(`(?i)\b(reviewed|code review)\b`),
	regexp.MustCompile(`\b\d+\s*/\s*\d+\b`), // explicit count N/M
}

// ReviewGate requires evidence before an approval token is allowed through.
type ReviewGate struct{}

func (*ReviewGate) Name() string { return "review_gate" }

func (g *ReviewGate) Run(ectx Context, response string, attempt int) StageResult {
	if !approvalTokenPattern.MatchString(response) {
		return StageResult{Valid: true}
	}
	for _, re := range evidencePatterns {
		if re.MatchString(response) {
			return StageResult{Valid: true}
		}
	}
	return StageResult{
		Valid:   false,
		Retry:   true,
		Feedback: "APPROVE requires evidence: test results, build status, or verification steps.",
	}
}

// Downgrade rewrites a literal APPROVE to NEEDS_REVIEW once retries are
// exhausted, per spec.md §4.9.b.
func (g *ReviewGate) Downgrade(response string) string {
	return approvalTokenPattern.ReplaceAllStringFunc(response, func(m string) string {
		upper := strings.ToUpper(m)
		if upper == "APPROVE" || upper == "APPROVED" {
			return "NEEDS_REVIEW"
		}
		return m
	})
}

// --- 4.9.c ScopeGuard -------------------------------------------------------

const scopeGuardThreshold = 3

var expectedOutcomePattern = regexp.MustCompile(`(?is)EXPECTED OUTCOME:\s*(.*?)(?:\n[A-Z ]+:|$)`)
var filePathPattern = regexp.MustCompile(`\b[\w./\-]+\.\w{1,8}\b`)

// ScopeGuard warns when a delegated task touched files outside its declared
// EXPECTED OUTCOME. Non-retry: it appends a warning rather than blocking.
type ScopeGuard struct{}

func (*ScopeGuard) Name() string { return "scope_guard" }

func (sg *ScopeGuard) Run(ectx Context, response string, attempt int) StageResult {
	if !ectx.IsDelegation || ectx.DelegationPrompt == "" || len(ectx.ModifiedFiles) == 0 {
		return StageResult{Valid: true}
	}

	expected := extractExpectedFiles(ectx.DelegationPrompt)
	var unexpected []string
	for _, f := range ectx.ModifiedFiles {
		if !expected[f] {
			unexpected = append(unexpected, f)
		}
	}
	if len(unexpected) == 0 {
		return StageResult{Valid: true}
	}

	severity := "WARNING"
	if len(unexpected) >= scopeGuardThreshold {
		severity = "NEEDS_REVIEW"
	}
	warning := fmt.Sprintf("\n\n[%s] Modified files outside expected scope: %s", severity, strings.Join(unexpected, ", "))
	return StageResult{Valid: true, Modified: response + warning}
}

func extractExpectedFiles(delegationPrompt string) map[string]bool {
	out := make(map[string]bool)
	m := expectedOutcomePattern.FindStringSubmatch(delegationPrompt)
	if m == nil {
		return out
	}
	for _, f := range filePathPattern.FindAllString(m[1], -1) {
		out[f] = true
	}
	return out
}

// --- 4.9.d TodoTracker -------------------------------------------------------

var completionMarkerPattern = regexp.MustCompile(`(?i)(DONE\b|TASK_COMPLETE\b|완료|✅)`)

// TodoTracker parses a per-session checklist from EXPECTED OUTCOME text and
// reminds the agent of remaining items at turn boundaries (spec.md §4.9.d).
// This is the pipeline's only stateful stage (keyed by sessionId scratch).
type TodoTracker struct {
	mu        sync.Mutex
	checklist map[string][]checklistItem
}

type checklistItem struct {
	text string
	done bool
}

// NewTodoTracker constructs an empty TodoTracker.
func NewTodoTracker() *TodoTracker {
	return &TodoTracker{checklist: make(map[string][]checklistItem)}
}

func (*TodoTracker) Name() string { return "todo_tracker" }

func (t *TodoTracker) Run(ectx Context, response string, attempt int) StageResult {
	if ectx.SessionID == "" {
		return StageResult{Valid: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	items, ok := t.checklist[ectx.SessionID]
	if !ok && ectx.DelegationPrompt != "" {
		items = parseChecklist(ectx.DelegationPrompt)
		t.checklist[ectx.SessionID] = items
	}
	if len(items) == 0 {
		return StageResult{Valid: true}
	}

	if completionMarkerPattern.MatchString(response) {
		for i := range items {
			if !items[i].done {
				items[i].done = true
				break
			}
		}
		t.checklist[ectx.SessionID] = items
	}

	if !ectx.EndOfTurn {
		return StageResult{Valid: true}
	}

	remaining := 0
	var nextIncomplete string
	for _, it := range items {
		if !it.done {
			remaining++
			if nextIncomplete == "" {
				nextIncomplete = it.text
			}
		}
	}
	if remaining == 0 {
		return StageResult{Valid: true}
	}

	reminder := fmt.Sprintf("\n\nRemaining: %d items. Next: %s", remaining, nextIncomplete)
	return StageResult{Valid: true, Modified: response + reminder}
}

// IsSessionComplete reports whether every checklist item for sessionID is
// done. A session with no registered checklist is vacuously complete — used
// by UltraWork's continuation detection (spec.md §4.10 step 3).
func (t *TodoTracker) IsSessionComplete(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	items, ok := t.checklist[sessionID]
	if !ok {
		return true
	}
	for _, it := range items {
		if !it.done {
			return false
		}
	}
	return true
}

func parseChecklist(delegationPrompt string) []checklistItem {
	m := expectedOutcomePattern.FindStringSubmatch(delegationPrompt)
	if m == nil {
		return nil
	}
	var items []checklistItem
	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*• "))
		if line != "" {
			items = append(items, checklistItem{text: line})
		}
	}
	return items
}
