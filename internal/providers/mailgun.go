package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const mailgunDefaultBase = "https://api.mailgun.net"

// Mailgun sends email through the v3 messages endpoint. Used as the
// fallback behind SendGrid in the email chain.
type Mailgun struct {
	apiKey  string
	domain  string
	baseURL string
	client  *http.Client
}

func NewMailgun(apiKey, domain string) *Mailgun {
	return &Mailgun{
		apiKey:  apiKey,
		domain:  domain,
		baseURL: mailgunDefaultBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Mailgun) Name() string { return "mailgun" }

func (p *Mailgun) Send(ctx context.Context, req SendRequest) (*Result, error) {
	form := url.Values{}
	form.Set("from", req.From)
	form.Set("to", req.To)
	form.Set("subject", req.Subject)
	form.Set("text", req.Body)

	endpoint := fmt.Sprintf("%s/v3/%s/messages", p.baseURL, p.domain)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("mailgun: build request: %w", err)
	}
	httpReq.SetBasicAuth("api", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mailgun: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &SendError{Provider: "mailgun", Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mailgun: decode response: %w", err)
	}
	return &Result{ProviderMessageID: out.ID}, nil
}
