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

const twilioDefaultBase = "https://api.twilio.com"

// TwilioSMS sends SMS through Twilio's Messages endpoint.
type TwilioSMS struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
}

func NewTwilioSMS(accountSID, authToken string) *TwilioSMS {
	return &TwilioSMS{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    twilioDefaultBase,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *TwilioSMS) Name() string { return "twilio" }

func (p *TwilioSMS) Send(ctx context.Context, req SendRequest) (*Result, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Body", req.Body)

	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", p.accountSID)
	return twilioPost(ctx, p.client, p.Name(), p.baseURL+path, p.accountSID, p.authToken, form)
}

// TwilioVoice places a call that speaks the payload via inline TwiML.
type TwilioVoice struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
}

func NewTwilioVoice(accountSID, authToken string) *TwilioVoice {
	return &TwilioVoice{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    twilioDefaultBase,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *TwilioVoice) Name() string { return "twilio" }

func (p *TwilioVoice) Send(ctx context.Context, req SendRequest) (*Result, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Twiml", "<Response><Say>"+escapeXML(req.Body)+"</Say></Response>")

	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", p.accountSID)
	return twilioPost(ctx, p.client, p.Name(), p.baseURL+path, p.accountSID, p.authToken, form)
}

func twilioPost(ctx context.Context, client *http.Client, name, endpoint, sid, token string, form url.Values) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", name, err)
	}
	httpReq.SetBasicAuth(sid, token)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", name, err)
	}
	return &Result{ProviderMessageID: out.SID}, nil
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
