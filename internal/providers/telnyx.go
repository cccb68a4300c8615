package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const telnyxDefaultBase = "https://api.telnyx.com"

// TelnyxSMS sends SMS through Telnyx's v2 messages endpoint. Used as the
// fallback behind Twilio in the SMS chain.
type TelnyxSMS struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewTelnyxSMS(apiKey string) *TelnyxSMS {
	return &TelnyxSMS{
		apiKey:  apiKey,
		baseURL: telnyxDefaultBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *TelnyxSMS) Name() string { return "telnyx" }

func (p *TelnyxSMS) Send(ctx context.Context, req SendRequest) (*Result, error) {
	payload := map[string]string{
		"from": req.From,
		"to":   req.To,
		"text": req.Body,
	}
	return telnyxPost(ctx, p.client, p.Name(), p.baseURL+"/v2/messages", p.apiKey, payload)
}

// TelnyxVoice places a call through Telnyx call control, speaking the
// payload as client state for the answering webhook.
type TelnyxVoice struct {
	apiKey       string
	connectionID string
	baseURL      string
	client       *http.Client
}

func NewTelnyxVoice(apiKey, connectionID string) *TelnyxVoice {
	return &TelnyxVoice{
		apiKey:       apiKey,
		connectionID: connectionID,
		baseURL:      telnyxDefaultBase,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *TelnyxVoice) Name() string { return "telnyx" }

func (p *TelnyxVoice) Send(ctx context.Context, req SendRequest) (*Result, error) {
	payload := map[string]string{
		"connection_id": p.connectionID,
		"to":            req.To,
		"from":          req.From,
		"client_state":  encodeState(req.Body),
	}
	return telnyxPost(ctx, p.client, p.Name(), p.baseURL+"/v2/calls", p.apiKey, payload)
}

// encodeState packs the spoken text into the base64 client_state Telnyx
// echoes back on call events.
func encodeState(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func telnyxPost(ctx context.Context, client *http.Client, name, endpoint, apiKey string, payload map[string]string) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &SendError{Provider: name, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", name, err)
	}
	return &Result{ProviderMessageID: out.Data.ID}, nil
}
