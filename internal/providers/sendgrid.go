package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const sendgridDefaultBase = "https://api.sendgrid.com"

// SendGrid sends email through the v3 mail send endpoint.
type SendGrid struct {
	apiKey   string
	fromName string
	baseURL  string
	client   *http.Client
}

func NewSendGrid(apiKey, fromName string) *SendGrid {
	return &SendGrid{
		apiKey:   apiKey,
		fromName: fromName,
		baseURL:  sendgridDefaultBase,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *SendGrid) Name() string { return "sendgrid" }

type sendgridMail struct {
	Personalizations []struct {
		To []map[string]string `json:"to"`
	} `json:"personalizations"`
	From    map[string]string `json:"from"`
	Subject string            `json:"subject"`
	Content []map[string]string `json:"content"`
}

func (p *SendGrid) Send(ctx context.Context, req SendRequest) (*Result, error) {
	mail := sendgridMail{
		From:    map[string]string{"email": req.From, "name": p.fromName},
		Subject: req.Subject,
		Content: []map[string]string{{"type": "text/plain", "value": req.Body}},
	}
	mail.Personalizations = make([]struct {
		To []map[string]string `json:"to"`
	}, 1)
	mail.Personalizations[0].To = []map[string]string{{"email": req.To}}

	body, err := json.Marshal(mail)
	if err != nil {
		return nil, fmt.Errorf("sendgrid: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sendgrid: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sendgrid: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &SendError{Provider: "sendgrid", Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	// 202 Accepted with an empty body; the message id lives in a header.
	return &Result{ProviderMessageID: resp.Header.Get("X-Message-Id")}, nil
}
