package llm

import (
	"context"
	"log/slog"
	"strings"
)

// Intent is the classification label for an inbound message.
type Intent string

const (
	IntentSales  Intent = "SALES"
	IntentUrgent Intent = "URGENT"
	IntentSpam   Intent = "SPAM"
	IntentOther  Intent = "OTHER"
)

const classifyPrompt = `Classify the intent of this inbound message from a lead.
Reply with exactly one word: SALES, URGENT, SPAM, or OTHER.

SALES: pricing questions, interest in services, scheduling.
URGENT: emergencies, cancellation demands, angry escalations.
SPAM: unsolicited promotions, bots, irrelevant content.
OTHER: anything else.

Message: `

// Classifier labels inbound messages with one of the four fixed intents.
type Classifier struct {
	completer Completer
}

func NewClassifier(completer Completer) *Classifier {
	return &Classifier{completer: completer}
}

// Classify returns exactly one of the four labels. Any failure (timeout,
// transport error, unrecognized output) fails open to SALES so the message
// still flows through the standard path instead of being dropped.
func (c *Classifier) Classify(ctx context.Context, body string) Intent {
	out, err := c.completer.Complete(ctx, classifyPrompt+body)
	if err != nil {
		slog.Warn("intent classification failed, defaulting to SALES", "error", err)
		return IntentSales
	}
	return parseIntent(out)
}

func parseIntent(out string) Intent {
	label := strings.ToUpper(strings.TrimSpace(out))
	// Models occasionally wrap the label in prose; take the first match.
	for _, intent := range []Intent{IntentUrgent, IntentSpam, IntentSales, IntentOther} {
		if strings.Contains(label, string(intent)) {
			return intent
		}
	}
	slog.Warn("unrecognized intent label, defaulting to SALES", "label", label)
	return IntentSales
}
