package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brightlead/leadrelay/internal/crm"
	"github.com/brightlead/leadrelay/internal/dispatch"
	"github.com/brightlead/leadrelay/internal/llm"
	"github.com/brightlead/leadrelay/internal/store"
)

// --- fakes ---

type fakeSource struct {
	convs    []crm.Conversation
	history  map[string][]crm.Message
	mirrored []string
}

func (f *fakeSource) ListRecentConversations(ctx context.Context, limit int, sort string) ([]crm.Conversation, error) {
	return f.convs, nil
}

func (f *fakeSource) GetMessages(ctx context.Context, id string) ([]crm.Message, error) {
	return f.history[id], nil
}

func (f *fakeSource) SendMessage(ctx context.Context, typ, contactID, body string) (string, error) {
	f.mirrored = append(f.mirrored, body)
	return "m1", nil
}

type fakeClassifier struct {
	intents map[string]llm.Intent
}

func (f *fakeClassifier) Classify(ctx context.Context, body string) llm.Intent {
	if intent, ok := f.intents[body]; ok {
		return intent
	}
	return llm.IntentSales
}

type fakeResponder struct {
	draft llm.DraftReply
	calls int
}

func (f *fakeResponder) Generate(ctx context.Context, history []crm.Message, incoming crm.Message, intent llm.Intent) llm.DraftReply {
	f.calls++
	d := f.draft
	d.Intent = intent
	return d
}

type sentMessage struct {
	channel dispatch.Channel
	target  string
	body    string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	sends []sentMessage
	err   error
}

func (f *fakeDispatcher) Send(ctx context.Context, ch dispatch.Channel, target string, payload dispatch.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sends = append(f.sends, sentMessage{channel: ch, target: target, body: payload.Body})
	return "fake-provider", nil
}

func (f *fakeDispatcher) SendSMS(ctx context.Context, to, body string) (string, error) {
	return f.Send(ctx, dispatch.ChannelSMS, to, dispatch.Payload{Body: body})
}

type memLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemLedger() *memLedger { return &memLedger{seen: make(map[string]struct{})} }

func (m *memLedger) Seen(fp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[fp]
	return ok
}

func (m *memLedger) MarkSeen(fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[fp] = struct{}{}
	return nil
}

type memStaging struct {
	mu   sync.Mutex
	rows []store.StagedReply
}

func (m *memStaging) Enqueue(s store.StagedReply) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = "staged-1"
	s.Status = store.StatusPending
	m.rows = append(m.rows, s)
	return s.ID, nil
}

func (m *memStaging) MarkSent(id string) error     { return nil }
func (m *memStaging) MarkRejected(id string) error { return nil }

func (m *memStaging) ListPending() ([]store.StagedReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.StagedReply(nil), m.rows...), nil
}

func defaultOpts() Options {
	return Options{
		ConfidenceThreshold: 0.7,
		EscalationPhone:     "+15550001111",
	}
}

// --- scenarios ---

func TestCycle_SalesHighConfidenceDispatches(t *testing.T) {
	src := &fakeSource{convs: []crm.Conversation{{
		ID: "c1", ContactID: "ct1", Phone: "+15559990000",
		LastMessageBody: "how much for hvac leads?", LastMessageDirection: crm.DirectionInbound,
	}}}
	gw := &fakeDispatcher{}
	ledger := newMemLedger()
	staging := &memStaging{}
	responder := &fakeResponder{draft: llm.DraftReply{Body: "We start at $500/month.", Confidence: 0.82}}

	l := New(src, &fakeClassifier{}, responder, gw, ledger, staging, defaultOpts())
	l.runCycle(context.Background())

	if len(gw.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(gw.sends))
	}
	if gw.sends[0].channel != dispatch.ChannelSMS || gw.sends[0].target != "+15559990000" {
		t.Errorf("unexpected send: %+v", gw.sends[0])
	}
	fp := store.Fingerprint("c1", "how much for hvac leads?")
	if !ledger.Seen(fp) {
		t.Error("fingerprint not marked seen")
	}
	if pending, _ := staging.ListPending(); len(pending) != 0 {
		t.Errorf("staged = %d, want 0", len(pending))
	}
	if len(src.mirrored) != 1 {
		t.Errorf("mirrored = %d, want 1", len(src.mirrored))
	}
}

func TestCycle_ReplayAfterRestartIsIdempotent(t *testing.T) {
	conv := crm.Conversation{
		ID: "c1", ContactID: "ct1", Phone: "+15559990000",
		LastMessageBody: "how much for hvac leads?", LastMessageDirection: crm.DirectionInbound,
	}
	src := &fakeSource{convs: []crm.Conversation{conv}}
	gw := &fakeDispatcher{}
	ledger := newMemLedger()
	staging := &memStaging{}
	responder := &fakeResponder{draft: llm.DraftReply{Body: "reply", Confidence: 0.82}}

	l := New(src, &fakeClassifier{}, responder, gw, ledger, staging, defaultOpts())
	l.runCycle(context.Background())

	// Simulated restart: new loop, same ledger contents.
	l2 := New(src, &fakeClassifier{}, responder, gw, ledger, staging, defaultOpts())
	l2.runCycle(context.Background())

	if len(gw.sends) != 1 {
		t.Errorf("sends = %d, want 1 (at most once across restart)", len(gw.sends))
	}
	if pending, _ := staging.ListPending(); len(pending) != 0 {
		t.Errorf("staged = %d, want 0", len(pending))
	}
}

func TestCycle_UrgentEscalates(t *testing.T) {
	body := "this is an emergency, cancel now"
	src := &fakeSource{convs: []crm.Conversation{{
		ID: "c1", ContactID: "ct1", Phone: "+15559990000",
		LastMessageBody: body, LastMessageDirection: crm.DirectionInbound,
	}}}
	gw := &fakeDispatcher{}
	responder := &fakeResponder{draft: llm.DraftReply{Body: "should not be used", Confidence: 0.9}}
	classifier := &fakeClassifier{intents: map[string]llm.Intent{body: llm.IntentUrgent}}

	l := New(src, classifier, responder, gw, newMemLedger(), &memStaging{}, defaultOpts())
	l.runCycle(context.Background())

	if responder.calls != 0 {
		t.Error("responder invoked for urgent message")
	}
	if len(gw.sends) != 2 {
		t.Fatalf("sends = %d, want 2 (alert + ack)", len(gw.sends))
	}
	if gw.sends[0].target != "+15550001111" || !strings.Contains(gw.sends[0].body, "URGENT") {
		t.Errorf("first send is not the internal alert: %+v", gw.sends[0])
	}
	if gw.sends[1].target != "+15559990000" || gw.sends[1].body != urgentAck {
		t.Errorf("second send is not the fixed acknowledgement: %+v", gw.sends[1])
	}
}

func TestCycle_SpamDiscarded(t *testing.T) {
	body := "WIN A FREE CRUISE"
	src := &fakeSource{convs: []crm.Conversation{{
		ID: "c1", ContactID: "ct1", Phone: "+1555",
		LastMessageBody: body, LastMessageDirection: crm.DirectionInbound,
	}}}
	gw := &fakeDispatcher{}
	ledger := newMemLedger()
	classifier := &fakeClassifier{intents: map[string]llm.Intent{body: llm.IntentSpam}}
	responder := &fakeResponder{}

	l := New(src, classifier, responder, gw, ledger, &memStaging{}, defaultOpts())
	l.runCycle(context.Background())

	if len(gw.sends) != 0 || responder.calls != 0 {
		t.Error("spam triggered processing")
	}
	if !ledger.Seen(store.Fingerprint("c1", body)) {
		t.Error("spam not marked seen")
	}
}

func TestCycle_LowConfidenceStages(t *testing.T) {
	src := &fakeSource{convs: []crm.Conversation{{
		ID: "c1", ContactID: "ct1", Phone: "+1555",
		LastMessageBody: "maybe interested", LastMessageDirection: crm.DirectionInbound,
	}}}
	gw := &fakeDispatcher{}
	staging := &memStaging{}
	responder := &fakeResponder{draft: llm.DraftReply{Body: "draft text", Confidence: 0.4}}

	l := New(src, &fakeClassifier{}, responder, gw, newMemLedger(), staging, defaultOpts())
	l.runCycle(context.Background())

	if len(gw.sends) != 0 {
		t.Errorf("sends = %d, want 0", len(gw.sends))
	}
	pending, _ := staging.ListPending()
	if len(pending) != 1 {
		t.Fatalf("staged = %d, want 1", len(pending))
	}
	if pending[0].Status != store.StatusPending || pending[0].DraftContent != "draft text" {
		t.Errorf("unexpected staged row: %+v", pending[0])
	}
	if pending[0].Confidence != 0.4 {
		t.Errorf("confidence = %v", pending[0].Confidence)
	}
}

func TestCycle_AllProvidersFailStillMarksSeen(t *testing.T) {
	src := &fakeSource{convs: []crm.Conversation{{
		ID: "c1", ContactID: "ct1", Phone: "+1555",
		LastMessageBody: "hello", LastMessageDirection: crm.DirectionInbound,
	}}}
	gw := &fakeDispatcher{err: errors.New("all providers down")}
	ledger := newMemLedger()
	responder := &fakeResponder{draft: llm.DraftReply{Body: "reply", Confidence: 0.9}}

	l := New(src, &fakeClassifier{}, responder, gw, ledger, &memStaging{}, defaultOpts())
	l.runCycle(context.Background())

	// Marked seen regardless of delivery, preventing reply storms.
	if !ledger.Seen(store.Fingerprint("c1", "hello")) {
		t.Error("fingerprint not marked seen after dispatch failure")
	}

	// Next cycle does nothing.
	gw.err = nil
	l.runCycle(context.Background())
	if len(gw.sends) != 0 {
		t.Errorf("sends = %d, want 0 (no retry for failed dispatch)", len(gw.sends))
	}
}

func TestCycle_OutboundConversationsIgnored(t *testing.T) {
	src := &fakeSource{convs: []crm.Conversation{{
		ID: "c1", ContactID: "ct1", Phone: "+1555",
		LastMessageBody: "we replied already", LastMessageDirection: crm.DirectionOutbound,
	}}}
	gw := &fakeDispatcher{}
	responder := &fakeResponder{}

	l := New(src, &fakeClassifier{}, responder, gw, newMemLedger(), &memStaging{}, defaultOpts())
	l.runCycle(context.Background())

	if len(gw.sends) != 0 || responder.calls != 0 {
		t.Error("outbound conversation was processed")
	}
}

func TestCycle_DuplicateListingsHandledOnce(t *testing.T) {
	conv := crm.Conversation{
		ID: "c1", ContactID: "ct1", Phone: "+1555",
		LastMessageBody: "hello", LastMessageDirection: crm.DirectionInbound,
	}
	src := &fakeSource{convs: []crm.Conversation{conv, conv, conv}}
	gw := &fakeDispatcher{}
	responder := &fakeResponder{draft: llm.DraftReply{Body: "reply", Confidence: 0.9}}

	opts := defaultOpts()
	opts.Workers = 4
	l := New(src, &fakeClassifier{}, responder, gw, newMemLedger(), &memStaging{}, opts)
	l.runCycle(context.Background())

	if len(gw.sends) != 1 {
		t.Errorf("sends = %d, want 1 (duplicate listings deduped)", len(gw.sends))
	}
}

// stoppingSource requests a stop mid-list, the way a SIGINT or stop-file
// touch lands while a cycle is in flight. It records whether the context
// seen by the history fetch was still live.
type stoppingSource struct {
	fakeSource
	stop       func()
	historyErr error
}

func (s *stoppingSource) ListRecentConversations(ctx context.Context, limit int, sort string) ([]crm.Conversation, error) {
	s.stop()
	return s.convs, nil
}

func (s *stoppingSource) GetMessages(ctx context.Context, id string) ([]crm.Message, error) {
	s.historyErr = ctx.Err()
	return nil, nil
}

func TestRun_StopMidCycleDrainsInFlightWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &stoppingSource{stop: cancel}
	src.convs = []crm.Conversation{{
		ID: "c1", ContactID: "ct1", Phone: "+1555",
		LastMessageBody: "hello", LastMessageDirection: crm.DirectionInbound,
	}}
	gw := &fakeDispatcher{}
	responder := &fakeResponder{draft: llm.DraftReply{Body: "reply", Confidence: 0.9}}

	opts := defaultOpts()
	opts.Interval = time.Hour
	l := New(src, &fakeClassifier{}, responder, gw, newMemLedger(), &memStaging{}, opts)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after stop")
	}

	if src.historyErr != nil {
		t.Errorf("history fetch saw a dead context after stop: %v", src.historyErr)
	}
	if len(gw.sends) != 1 {
		t.Errorf("sends = %d, want 1 (in-flight conversation completed)", len(gw.sends))
	}
}

func TestCycle_EmailFallbackWhenNoPhone(t *testing.T) {
	src := &fakeSource{convs: []crm.Conversation{{
		ID: "c1", ContactID: "ct1", Email: "lead@example.com",
		LastMessageBody: "tell me more", LastMessageDirection: crm.DirectionInbound,
	}}}
	gw := &fakeDispatcher{}
	responder := &fakeResponder{draft: llm.DraftReply{Body: "details inside", Confidence: 0.9}}

	l := New(src, &fakeClassifier{}, responder, gw, newMemLedger(), &memStaging{}, defaultOpts())
	l.runCycle(context.Background())

	if len(gw.sends) != 1 || gw.sends[0].channel != dispatch.ChannelEmail {
		t.Fatalf("expected one email send, got %+v", gw.sends)
	}
	if gw.sends[0].target != "lead@example.com" {
		t.Errorf("target = %q", gw.sends[0].target)
	}
}
