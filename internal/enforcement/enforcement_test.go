package enforcement

import (
	"context"
	"strings"
	"testing"
)

func TestResponseValidatorSkipsHumanFacingResponses(t *testing.T) {
	v := &ResponseValidator{}
	res := v.Run(Context{IsBot: false, IsDelegation: false}, "great job! amazing! fantastic! well done!", 0)
	if !res.Valid {
		t.Fatalf("expected human-facing responses to bypass the flattery check")
	}
}

func TestResponseValidatorRejectsHighFlatteryRatio(t *testing.T) {
	v := &ResponseValidator{}
	res := v.Run(Context{IsBot: true}, "Great job! Excellent work! Amazing! Fantastic! Well done!", 0)
	if res.Valid {
		t.Fatalf("expected flattery-dominated bot response to be rejected")
	}
	if !res.Retry {
		t.Fatalf("expected retry=true on flattery rejection")
	}
}

func TestResponseValidatorIgnoresCodeBlocks(t *testing.T) {
	v := &ResponseValidator{}
	res := v.Run(Context{IsBot: true}, "```\ngreat job great job great job\n```\nHere is the diff.", 0)
	if !res.Valid {
		t.Fatalf("expected flattery inside a code fence to be stripped before scoring, got %+v", res)
	}
}

func TestResponseValidatorRedactsLeakedSecrets(t *testing.T) {
	v := &ResponseValidator{}
	res := v.Run(Context{}, `here is the key: api_key="sk-abcdefghijklmnopqrstuvwx"`, 0)
	if !res.Valid {
		t.Fatalf("expected leak redaction to still produce a valid stage result, got %+v", res)
	}
	if res.Modified == "" || strings.Contains(res.Modified, "sk-abcdefghijklmnopqrstuvwx") {
		t.Fatalf("expected the leaked key to be redacted from the response, got %q", res.Modified)
	}
}

func TestReviewGateRequiresEvidence(t *testing.T) {
	g := &ReviewGate{}
	res := g.Run(Context{}, "APPROVE", 0)
	if res.Valid {
		t.Fatalf("expected bare APPROVE with no evidence to be rejected")
	}

	res2 := g.Run(Context{}, "Tests passed, 12/12. APPROVE", 0)
	if !res2.Valid {
		t.Fatalf("expected APPROVE with evidence to pass, got %+v", res2)
	}
}

func TestReviewGateIgnoresResponsesWithoutApprovalToken(t *testing.T) {
	g := &ReviewGate{}
	res := g.Run(Context{}, "still working on it", 0)
	if !res.Valid {
		t.Fatalf("expected non-approval response to pass untouched")
	}
}

func TestReviewGateDowngradesAfterRetriesExhausted(t *testing.T) {
	g := &ReviewGate{}
	out := g.Downgrade("Looks good. APPROVE")
	if strings.Contains(out, "APPROVE") || !strings.Contains(out, "NEEDS_REVIEW") {
		t.Fatalf("expected APPROVE rewritten to NEEDS_REVIEW, got %q", out)
	}
}

func TestScopeGuardWarnsOnUnexpectedFiles(t *testing.T) {
	sg := &ScopeGuard{}
	prompt := "TASK:\ndo it\n\nEXPECTED OUTCOME:\nedits to main.go and utils.go\n\nMUST DO:\nx"
	res := sg.Run(Context{
		IsDelegation:     true,
		DelegationPrompt: prompt,
		ModifiedFiles:    []string{"main.go", "unexpected.go"},
	}, "done", 0)
	if !res.Valid {
		t.Fatalf("ScopeGuard is non-retry; expected Valid=true with a warning appended")
	}
	if !strings.Contains(res.Modified, "unexpected.go") || !strings.Contains(res.Modified, "WARNING") {
		t.Fatalf("expected warning naming the unexpected file, got %q", res.Modified)
	}
}

func TestScopeGuardSeverityEscalatesAtThreshold(t *testing.T) {
	sg := &ScopeGuard{}
	prompt := "EXPECTED OUTCOME:\nedits to main.go"
	res := sg.Run(Context{
		IsDelegation:     true,
		DelegationPrompt: prompt,
		ModifiedFiles:    []string{"a.go", "b.go", "c.go"},
	}, "done", 0)
	if !strings.Contains(res.Modified, "NEEDS_REVIEW") {
		t.Fatalf("expected NEEDS_REVIEW severity at or above threshold, got %q", res.Modified)
	}
}

func TestTodoTrackerInjectsReminderAtEndOfTurn(t *testing.T) {
	tr := NewTodoTracker()
	prompt := "EXPECTED OUTCOME:\n- write docs\n- write tests"
	res := tr.Run(Context{SessionID: "s1", DelegationPrompt: prompt, EndOfTurn: false}, "done: write docs ✅", 0)
	if !res.Valid {
		t.Fatalf("TodoTracker is non-blocking, expected Valid=true")
	}

	final := tr.Run(Context{SessionID: "s1", DelegationPrompt: prompt, EndOfTurn: true}, "wrapping up", 0)
	if !strings.Contains(final.Modified, "Remaining: 1") || !strings.Contains(final.Modified, "write tests") {
		t.Fatalf("expected a reminder naming the one remaining item, got %q", final.Modified)
	}
}

func TestPipelineProcessRetriesFlatteryThenPasses(t *testing.T) {
	p := New()
	calls := 0
	send := func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "Here is the result, no fluff.", nil
	}
	out, err := p.Process(context.Background(), Context{IsBot: true}, "do the task", "Amazing! Great job! Fantastic! Well done!", send)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one retry send, got %d", calls)
	}
	if strings.Contains(out, "Amazing") {
		t.Fatalf("expected the flattery-laden response to be replaced, got %q", out)
	}
}
