package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/brightlead/leadrelay/internal/crm"
)

// FallbackConfidence is assigned when generation fails or the model omits
// its confidence marker. It sits below the default auto-send threshold, so
// uncertain drafts land in the staging queue.
const FallbackConfidence = 0.5

// DraftReply is a generated response plus the model's self-reported
// confidence that it is appropriate to send autonomously.
type DraftReply struct {
	Body       string
	Confidence float64
	Intent     Intent
}

// Responder generates draft replies from conversation context.
type Responder struct {
	completer     Completer
	persona       string
	historyTurns  int
	charLimit     int
	fallbackReply string
}

// NewResponder creates a responder. charLimit is the hard ceiling on reply
// length (the SMS practical limit); fallbackReply is returned verbatim when
// generation fails.
func NewResponder(completer Completer, persona string, historyTurns, charLimit int, fallbackReply string) *Responder {
	return &Responder{
		completer:     completer,
		persona:       persona,
		historyTurns:  historyTurns,
		charLimit:     charLimit,
		fallbackReply: fallbackReply,
	}
}

// Generate produces a draft reply for the incoming message. It never returns
// an unhandled error: on any generation failure the deterministic fallback
// reply is returned with FallbackConfidence.
func (r *Responder) Generate(ctx context.Context, history []crm.Message, incoming crm.Message, intent Intent) DraftReply {
	prompt := r.buildPrompt(history, incoming, intent)

	out, err := r.completer.Complete(ctx, prompt)
	if err != nil {
		slog.Warn("reply generation failed, using fallback", "error", err)
		return r.fallback(intent)
	}

	body, confidence := parseDraft(out)
	if body == "" {
		slog.Warn("reply generation returned empty body, using fallback")
		return r.fallback(intent)
	}

	return DraftReply{
		Body:       enforceLimit(body, r.charLimit),
		Confidence: confidence,
		Intent:     intent,
	}
}

func (r *Responder) fallback(intent Intent) DraftReply {
	return DraftReply{
		Body:       enforceLimit(r.fallbackReply, r.charLimit),
		Confidence: FallbackConfidence,
		Intent:     intent,
	}
}

// buildPrompt assembles a bounded prompt: persona, the most recent N history
// turns oldest-first, and the new message.
func (r *Responder) buildPrompt(history []crm.Message, incoming crm.Message, intent Intent) string {
	var b strings.Builder

	if r.persona != "" {
		b.WriteString(r.persona)
		b.WriteString("\n\n")
	}

	turns := history
	if r.historyTurns > 0 && len(turns) > r.historyTurns {
		turns = turns[len(turns)-r.historyTurns:]
	}
	if len(turns) > 0 {
		b.WriteString("Conversation so far (oldest first):\n")
		for _, m := range turns {
			role := "Lead"
			if m.Direction == crm.DirectionOutbound {
				role = "You"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, m.Body)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "New message from the lead (intent: %s):\n%s\n\n", intent, incoming.Body)
	fmt.Fprintf(&b, "Write a reply in at most %d characters. ", r.charLimit)
	b.WriteString("End your output with a line of the form confidence=0.NN " +
		"estimating how confident you are that this reply should be sent without human review.")

	return b.String()
}

// parseDraft splits the model output into the reply body and the trailing
// confidence marker. A missing or unparsable marker yields FallbackConfidence.
func parseDraft(out string) (string, float64) {
	out = strings.TrimSpace(out)
	confidence := FallbackConfidence

	if idx := strings.LastIndex(out, "confidence="); idx >= 0 {
		marker := strings.TrimSpace(out[idx+len("confidence="):])
		if f, err := strconv.ParseFloat(strings.TrimRight(marker, "."), 64); err == nil && f >= 0 && f <= 1 {
			confidence = f
			out = strings.TrimSpace(out[:idx])
		}
	}
	return out, confidence
}

// enforceLimit truncates s to at most limit characters, preferring a word
// boundary when one exists in the final quarter. Counting and cutting are
// rune-based so a multibyte character is never split.
func enforceLimit(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	cut := []rune(s)[:limit]
	boundary := -1
	for i, r := range cut {
		if r == ' ' {
			boundary = i
		}
	}
	if boundary > limit*3/4 {
		cut = cut[:boundary]
	}
	return strings.TrimSpace(string(cut))
}
