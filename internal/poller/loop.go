// Package poller runs the orchestration loop: fetch recent conversations,
// classify new inbound messages, generate replies, and either dispatch them
// or stage them for human approval.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/brightlead/leadrelay/internal/crm"
	"github.com/brightlead/leadrelay/internal/dispatch"
	"github.com/brightlead/leadrelay/internal/llm"
	"github.com/brightlead/leadrelay/internal/store"
)

// urgentAck is the fixed reply sent to the contact on the URGENT path.
// No LLM-generated draft is produced for urgent messages.
const urgentAck = "We've received your message and someone from our team will contact you right away."

// ConversationSource is the subset of the CRM client the loop depends on.
type ConversationSource interface {
	ListRecentConversations(ctx context.Context, limit int, sort string) ([]crm.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]crm.Message, error)
	SendMessage(ctx context.Context, typ, contactID, body string) (string, error)
}

// IntentClassifier labels an inbound message body.
type IntentClassifier interface {
	Classify(ctx context.Context, body string) llm.Intent
}

// ReplyGenerator produces a draft reply from conversation context.
type ReplyGenerator interface {
	Generate(ctx context.Context, history []crm.Message, incoming crm.Message, intent llm.Intent) llm.DraftReply
}

// Dispatcher is the subset of the dispatch gateway the loop depends on.
type Dispatcher interface {
	Send(ctx context.Context, ch dispatch.Channel, target string, payload dispatch.Payload) (string, error)
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// Options configure loop behavior.
type Options struct {
	Interval            time.Duration
	ConversationLimit   int
	ConfidenceThreshold float64
	EscalationPhone     string
	Workers             int // conversations processed concurrently per cycle; <=1 means sequential
}

// Loop ties the components together on a fixed interval. It is the only
// component with a lifecycle: Run blocks until ctx is cancelled and always
// drains the in-flight cycle before returning.
type Loop struct {
	source     ConversationSource
	classifier IntentClassifier
	responder  ReplyGenerator
	gateway    Dispatcher
	ledger     store.Ledger
	staging    store.Staging
	opts       Options
	tracer     trace.Tracer

	// claimMu serializes check-unseen → claim so parallel workers can't
	// double-handle one fingerprint within a cycle.
	claimMu  sync.Mutex
	inFlight map[string]struct{}
}

// New creates a loop. Workers defaults to 1, ConversationLimit to 20.
func New(source ConversationSource, classifier IntentClassifier, responder ReplyGenerator,
	gateway Dispatcher, ledger store.Ledger, staging store.Staging, opts Options) *Loop {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ConversationLimit <= 0 {
		opts.ConversationLimit = 20
	}
	return &Loop{
		source:     source,
		classifier: classifier,
		responder:  responder,
		gateway:    gateway,
		ledger:     ledger,
		staging:    staging,
		opts:       opts,
		tracer:     otel.Tracer("leadrelay/poller"),
		inFlight:   make(map[string]struct{}),
	}
}

// Run executes cycles until ctx is cancelled. In-flight network calls are
// not interrupted; the stop signal is observed between cycles.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("poll loop started",
		"interval", l.opts.Interval,
		"confidence_threshold", l.opts.ConfidenceThreshold,
		"workers", l.opts.Workers)

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("poll loop stopped")
			return nil
		default:
		}

		// Cycle work runs detached from the stop signal so a SIGINT or
		// stop file drains the in-flight cycle instead of aborting its
		// HTTP calls mid-conversation.
		l.runCycle(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			slog.Info("poll loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// runCycle fetches and processes one batch. Every failure inside a cycle
// degrades to skip-and-log; nothing here terminates the loop.
func (l *Loop) runCycle(ctx context.Context) {
	cycleCtx, span := l.tracer.Start(ctx, "poll.cycle")
	defer span.End()

	convs, err := l.source.ListRecentConversations(cycleCtx, l.opts.ConversationLimit, "last_message_date")
	if err != nil {
		if crm.IsKind(err, crm.KindAuth) {
			slog.Error("crm credentials rejected mid-run, skipping cycle", "error", err)
		} else {
			slog.Warn("listing conversations failed, skipping cycle", "error", err)
		}
		return
	}
	span.SetAttributes(attribute.Int("conversations", len(convs)))

	if l.opts.Workers == 1 {
		// Upstream order, one at a time.
		for _, conv := range convs {
			l.handleConversation(cycleCtx, conv)
		}
		return
	}

	g, gctx := errgroup.WithContext(cycleCtx)
	g.SetLimit(l.opts.Workers)
	for _, conv := range convs {
		g.Go(func() error {
			l.handleConversation(gctx, conv)
			return nil
		})
	}
	g.Wait()
}

// handleConversation processes at most one new inbound message for conv.
// The fingerprint is marked seen in every branch, including total
// dispatch failure, before the function returns.
func (l *Loop) handleConversation(ctx context.Context, conv crm.Conversation) {
	if conv.LastMessageDirection != crm.DirectionInbound {
		return
	}
	if conv.ID == "" || conv.ContactID == "" {
		slog.Warn("skipping malformed conversation from upstream", "id", conv.ID)
		return
	}

	fp := store.Fingerprint(conv.ID, conv.LastMessageBody)
	if !l.claim(fp) {
		return
	}
	defer l.release(fp)

	ctx, span := l.tracer.Start(ctx, "poll.conversation",
		trace.WithAttributes(attribute.String("conversation.id", conv.ID)))
	defer span.End()

	intent := l.classifier.Classify(ctx, conv.LastMessageBody)
	slog.Info("classified inbound message", "conversation", conv.ID, "intent", intent)

	switch intent {
	case llm.IntentUrgent:
		l.escalate(ctx, conv)
		l.markSeen(fp, conv.ID)
		return
	case llm.IntentSpam:
		slog.Info("discarding spam", "conversation", conv.ID)
		l.markSeen(fp, conv.ID)
		return
	}

	history, err := l.source.GetMessages(ctx, conv.ID)
	if err != nil {
		// History is context, not a prerequisite: generate from the
		// incoming message alone rather than dropping it.
		slog.Warn("fetching history failed, generating without context", "conversation", conv.ID, "error", err)
		history = nil
	}

	incoming := crm.Message{Direction: crm.DirectionInbound, Body: conv.LastMessageBody}
	draft := l.responder.Generate(ctx, history, incoming, intent)

	if draft.Confidence > l.opts.ConfidenceThreshold {
		l.autoSend(ctx, conv, draft)
	} else {
		l.stage(conv, draft)
	}
	l.markSeen(fp, conv.ID)
}

// claim atomically checks the ledger and reserves the fingerprint for this
// goroutine. Returns false if already handled or currently being handled.
func (l *Loop) claim(fp string) bool {
	l.claimMu.Lock()
	defer l.claimMu.Unlock()
	if l.ledger.Seen(fp) {
		return false
	}
	if _, busy := l.inFlight[fp]; busy {
		return false
	}
	l.inFlight[fp] = struct{}{}
	return true
}

func (l *Loop) release(fp string) {
	l.claimMu.Lock()
	delete(l.inFlight, fp)
	l.claimMu.Unlock()
}

func (l *Loop) markSeen(fp, conversationID string) {
	if err := l.ledger.MarkSeen(fp); err != nil {
		slog.Error("marking message seen failed", "conversation", conversationID, "error", err)
	}
}

// escalate handles URGENT: alert SMS to the internal escalation number,
// then a fixed acknowledgement to the contact.
func (l *Loop) escalate(ctx context.Context, conv crm.Conversation) {
	if l.opts.EscalationPhone != "" {
		alert := fmt.Sprintf("URGENT lead message (conversation %s): %s", conv.ID, conv.LastMessageBody)
		if _, err := l.gateway.SendSMS(ctx, l.opts.EscalationPhone, alert); err != nil {
			slog.Error("escalation alert failed", "conversation", conv.ID, "error", err)
		}
	} else {
		slog.Warn("urgent message but no escalation phone configured", "conversation", conv.ID)
	}

	l.deliver(ctx, conv, urgentAck)
}

func (l *Loop) autoSend(ctx context.Context, conv crm.Conversation, draft llm.DraftReply) {
	slog.Info("auto-sending reply",
		"conversation", conv.ID, "confidence", draft.Confidence, "intent", draft.Intent)
	l.deliver(ctx, conv, draft.Body)
}

// deliver pushes a reply to the contact through the provider chain and
// mirrors it into the platform thread. A total provider failure is logged
// and swallowed: the message is still marked seen by the caller, trading
// guaranteed delivery for loop availability.
func (l *Loop) deliver(ctx context.Context, conv crm.Conversation, body string) {
	ch, target := channelFor(conv)
	if target == "" {
		slog.Warn("conversation has no reachable contact address", "conversation", conv.ID)
		return
	}

	payload := dispatch.Payload{Body: body}
	if ch == dispatch.ChannelEmail {
		payload.Subject = "Re: your message"
	}
	used, err := l.gateway.Send(ctx, ch, target, payload)
	if err != nil {
		slog.Error("all providers failed, reply dropped", "conversation", conv.ID, "channel", ch, "error", err)
		return
	}
	slog.Info("reply delivered", "conversation", conv.ID, "channel", ch, "provider", used)

	// Best-effort mirror into the platform thread so the CRM history
	// stays authoritative for the approval tooling and future prompts.
	typ := crm.TypeSMS
	if ch == dispatch.ChannelEmail {
		typ = crm.TypeEmail
	}
	if _, err := l.source.SendMessage(ctx, typ, conv.ContactID, body); err != nil {
		slog.Warn("mirroring reply to platform failed", "conversation", conv.ID, "error", err)
	}
}

func (l *Loop) stage(conv crm.Conversation, draft llm.DraftReply) {
	ch, _ := channelFor(conv)
	id, err := l.staging.Enqueue(store.StagedReply{
		ConversationID: conv.ID,
		ContactID:      conv.ContactID,
		DraftContent:   draft.Body,
		Confidence:     draft.Confidence,
		Platform:       string(ch),
	})
	if err != nil {
		slog.Error("staging draft failed", "conversation", conv.ID, "error", err)
		return
	}
	slog.Info("draft staged for approval",
		"conversation", conv.ID, "staged_id", id, "confidence", draft.Confidence)
}

// channelFor picks the outbound channel from the contact's reachable
// addresses: phone wins, then email.
func channelFor(conv crm.Conversation) (dispatch.Channel, string) {
	if conv.Phone != "" {
		return dispatch.ChannelSMS, conv.Phone
	}
	if conv.Email != "" {
		return dispatch.ChannelEmail, conv.Email
	}
	return dispatch.ChannelSMS, ""
}
