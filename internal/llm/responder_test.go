package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/brightlead/leadrelay/internal/crm"
)

func newTestResponder(c Completer) *Responder {
	return NewResponder(c, "You are a helpful sales assistant.", 3, 160, "Thanks! We'll be in touch.")
}

func TestGenerate_ParsesConfidence(t *testing.T) {
	r := newTestResponder(&fakeCompleter{out: "We start at $500/month.\nconfidence=0.82"})
	draft := r.Generate(context.Background(), nil, crm.Message{Body: "how much?"}, IntentSales)
	if draft.Body != "We start at $500/month." {
		t.Errorf("body = %q", draft.Body)
	}
	if draft.Confidence != 0.82 {
		t.Errorf("confidence = %v, want 0.82", draft.Confidence)
	}
	if draft.Intent != IntentSales {
		t.Errorf("intent = %s", draft.Intent)
	}
}

func TestGenerate_MissingConfidenceMarker(t *testing.T) {
	r := newTestResponder(&fakeCompleter{out: "Sure, we can help."})
	draft := r.Generate(context.Background(), nil, crm.Message{Body: "hi"}, IntentSales)
	if draft.Confidence != FallbackConfidence {
		t.Errorf("confidence = %v, want %v", draft.Confidence, FallbackConfidence)
	}
	if draft.Body != "Sure, we can help." {
		t.Errorf("body = %q", draft.Body)
	}
}

func TestGenerate_FallbackOnError(t *testing.T) {
	r := newTestResponder(&fakeCompleter{err: errors.New("boom")})
	draft := r.Generate(context.Background(), nil, crm.Message{Body: "hi"}, IntentSales)
	if draft.Body != "Thanks! We'll be in touch." {
		t.Errorf("body = %q, want fallback", draft.Body)
	}
	if draft.Confidence != FallbackConfidence {
		t.Errorf("confidence = %v, want %v", draft.Confidence, FallbackConfidence)
	}
}

func TestGenerate_EnforcesCharLimit(t *testing.T) {
	long := strings.Repeat("word ", 100) + "end"
	r := newTestResponder(&fakeCompleter{out: long + "\nconfidence=0.9"})
	draft := r.Generate(context.Background(), nil, crm.Message{Body: "hi"}, IntentSales)
	if len(draft.Body) > 160 {
		t.Errorf("len = %d, want <= 160", len(draft.Body))
	}
	if strings.HasSuffix(draft.Body, " ") {
		t.Errorf("body has trailing space: %q", draft.Body)
	}
}

type promptCapture struct {
	prompt string
}

func (p *promptCapture) Complete(ctx context.Context, prompt string) (string, error) {
	p.prompt = prompt
	return "ok\nconfidence=0.8", nil
}

func TestBuildPrompt_BoundsHistory(t *testing.T) {
	cap := &promptCapture{}
	r := newTestResponder(cap)

	history := []crm.Message{
		{Direction: crm.DirectionInbound, Body: "turn1"},
		{Direction: crm.DirectionOutbound, Body: "turn2"},
		{Direction: crm.DirectionInbound, Body: "turn3"},
		{Direction: crm.DirectionOutbound, Body: "turn4"},
		{Direction: crm.DirectionInbound, Body: "turn5"},
	}
	r.Generate(context.Background(), history, crm.Message{Body: "new msg"}, IntentSales)

	// historyTurns=3: only the most recent three turns, oldest first.
	if strings.Contains(cap.prompt, "turn1") || strings.Contains(cap.prompt, "turn2") {
		t.Errorf("prompt includes turns beyond the bound:\n%s", cap.prompt)
	}
	for _, want := range []string{"turn3", "turn4", "turn5", "new msg"} {
		if !strings.Contains(cap.prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, cap.prompt)
		}
	}
	if strings.Index(cap.prompt, "turn3") > strings.Index(cap.prompt, "turn5") {
		t.Error("history not oldest-first")
	}
	if !strings.Contains(cap.prompt, "You: turn4") {
		t.Errorf("outbound turn not labeled You:\n%s", cap.prompt)
	}
	if !strings.Contains(cap.prompt, "You are a helpful sales assistant.") {
		t.Error("persona missing from prompt")
	}
}

func TestEnforceLimit(t *testing.T) {
	if got := enforceLimit("short", 160); got != "short" {
		t.Errorf("got %q", got)
	}
	s := strings.Repeat("a", 200)
	if got := enforceLimit(s, 160); len(got) != 160 {
		t.Errorf("len = %d, want 160 (no spaces to cut at)", len(got))
	}
}

func TestEnforceLimit_MultibyteStaysValid(t *testing.T) {
	s := strings.Repeat("é", 200)
	got := enforceLimit(s, 160)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 160 {
		t.Errorf("rune count = %d, want 160", n)
	}

	// Word boundary in the final quarter is still honored, rune-counted.
	s = strings.Repeat("é", 150) + " " + strings.Repeat("é", 30)
	got = enforceLimit(s, 160)
	if n := utf8.RuneCountInString(got); n != 150 {
		t.Errorf("rune count = %d, want 150 (cut at the space)", n)
	}
}
