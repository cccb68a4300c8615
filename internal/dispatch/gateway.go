// Package dispatch owns the ordered provider fallback chain per outbound
// channel. It is constructed once at startup from configuration and passed
// by reference to the poll loop; there is no package-level state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/brightlead/leadrelay/internal/providers"
)

// Channel is an outbound communication medium.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelVoice Channel = "voice"
)

// Payload is the content to deliver, independent of provider.
type Payload struct {
	Subject string // email only
	Body    string
}

type chainEntry struct {
	provider providers.Provider
	from     string
}

// Gateway walks each channel's provider chain in registration order:
// primary first, then fallback. It performs no retries beyond the chain.
type Gateway struct {
	chains map[Channel][]chainEntry
}

func NewGateway() *Gateway {
	return &Gateway{chains: make(map[Channel][]chainEntry)}
}

// Register appends a provider to a channel's chain. The first registered
// provider is the primary; later ones are tried in order on failure.
func (g *Gateway) Register(ch Channel, p providers.Provider, from string) {
	g.chains[ch] = append(g.chains[ch], chainEntry{provider: p, from: from})
}

// Providers returns the provider names registered for a channel, in
// fallback order.
func (g *Gateway) Providers(ch Channel) []string {
	names := make([]string, 0, len(g.chains[ch]))
	for _, e := range g.chains[ch] {
		names = append(names, e.provider.Name())
	}
	return names
}

// Send attempts delivery through the channel's chain and returns the name
// of the provider that succeeded. Every attempt, success or failure, is
// logged with provider and channel. If all providers fail, the aggregated
// error is returned and the caller must not retry within the same cycle.
func (g *Gateway) Send(ctx context.Context, ch Channel, target string, payload Payload) (string, error) {
	chain := g.chains[ch]
	if len(chain) == 0 {
		return "", fmt.Errorf("dispatch: no providers configured for channel %s", ch)
	}

	attemptID := uuid.NewString()
	var failures []error
	for _, entry := range chain {
		res, err := entry.provider.Send(ctx, providers.SendRequest{
			To:      target,
			From:    entry.from,
			Subject: payload.Subject,
			Body:    payload.Body,
		})
		if err != nil {
			slog.Warn("dispatch attempt failed",
				"attempt", attemptID, "channel", ch, "provider", entry.provider.Name(), "error", err)
			failures = append(failures, err)
			continue
		}
		slog.Info("dispatch succeeded",
			"attempt", attemptID, "channel", ch, "provider", entry.provider.Name(), "message_id", res.ProviderMessageID)
		return entry.provider.Name(), nil
	}

	return "", fmt.Errorf("dispatch: all providers failed for channel %s: %w", ch, errors.Join(failures...))
}

// SendSMS delivers an SMS through the SMS chain.
func (g *Gateway) SendSMS(ctx context.Context, to, body string) (string, error) {
	return g.Send(ctx, ChannelSMS, to, Payload{Body: body})
}

// SendEmail delivers an email through the email chain.
func (g *Gateway) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	return g.Send(ctx, ChannelEmail, to, Payload{Subject: subject, Body: body})
}

// MakeCall places a voice call through the voice chain.
func (g *Gateway) MakeCall(ctx context.Context, to, script string) (string, error) {
	return g.Send(ctx, ChannelVoice, to, Payload{Body: script})
}
