// Package providers contains thin HTTP clients for the outbound send
// providers, one per vendor, all normalized to a common result type.
// Fallback ordering between them is owned by the dispatch gateway.
package providers

import (
	"context"
	"fmt"
)

// SendRequest carries everything a provider needs to deliver one message.
// Subject is only meaningful for email providers.
type SendRequest struct {
	To      string
	From    string
	Subject string
	Body    string
}

// Result is the normalized outcome of a successful send.
type Result struct {
	ProviderMessageID string
}

// Provider is a single vendor's send capability for one channel.
type Provider interface {
	// Name returns the vendor identifier (e.g. "twilio", "sendgrid").
	Name() string

	// Send delivers one message. Any non-2xx response is returned as an
	// error carrying the provider name and status.
	Send(ctx context.Context, req SendRequest) (*Result, error)
}

// SendError is returned when a provider rejects a send.
type SendError struct {
	Provider string
	Status   int
	Body     string
}

func (e *SendError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: send rejected (status %d): %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: send rejected (status %d)", e.Provider, e.Status)
}
