package config

import (
	"strconv"
	"time"
)

// Config is the root configuration for the leadrelay poller.
type Config struct {
	CRM       CRMConfig       `json:"crm"`
	Channels  ChannelsConfig  `json:"channels"`
	LLM       LLMConfig       `json:"llm"`
	Responder ResponderConfig `json:"responder"`
	Poller    PollerConfig    `json:"poller"`
	Store     StoreConfig     `json:"store"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// CRMConfig points at the conversation platform.
// APIToken is never read from the config file, only from env LEADRELAY_CRM_TOKEN.
type CRMConfig struct {
	BaseURL    string `json:"base_url"`
	APIToken   string `json:"-"` // from env LEADRELAY_CRM_TOKEN only
	LocationID string `json:"location_id"`
}

// ChannelsConfig holds provider credentials per outbound channel.
// Primary/secondary ordering for dispatch fallback is fixed:
// Twilio → Telnyx for SMS and voice, SendGrid → Mailgun for email.
type ChannelsConfig struct {
	Twilio   TwilioConfig   `json:"twilio"`
	Telnyx   TelnyxConfig   `json:"telnyx"`
	SendGrid SendGridConfig `json:"sendgrid"`
	Mailgun  MailgunConfig  `json:"mailgun"`
}

type TwilioConfig struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"-"` // from env LEADRELAY_TWILIO_AUTH_TOKEN only
	FromNumber string `json:"from_number"`
}

type TelnyxConfig struct {
	APIKey       string `json:"-"` // from env LEADRELAY_TELNYX_API_KEY only
	FromNumber   string `json:"from_number"`
	ConnectionID string `json:"connection_id,omitempty"` // required for voice calls
}

type SendGridConfig struct {
	APIKey    string `json:"-"` // from env LEADRELAY_SENDGRID_API_KEY only
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name,omitempty"`
}

type MailgunConfig struct {
	APIKey    string `json:"-"` // from env LEADRELAY_MAILGUN_API_KEY only
	Domain    string `json:"domain"`
	FromEmail string `json:"from_email"`
}

// LLMConfig configures the completion provider used by the classifier and responder.
type LLMConfig struct {
	APIKey      string  `json:"-"`                  // from env LEADRELAY_LLM_API_KEY only
	APIBase     string  `json:"api_base,omitempty"` // default https://api.openai.com/v1
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ResponderConfig shapes reply generation.
type ResponderConfig struct {
	Persona       string `json:"persona,omitempty"`        // short persona block prepended to prompts
	HistoryTurns  int    `json:"history_turns,omitempty"`  // most recent N turns included (default 6)
	SMSCharLimit  int    `json:"sms_char_limit,omitempty"` // hard reply ceiling for SMS (default 160)
	FallbackReply string `json:"fallback_reply,omitempty"` // deterministic reply on generation failure
}

// PollerConfig controls the poll loop.
type PollerConfig struct {
	Interval            Duration `json:"interval,omitempty"`             // default 15s
	ConversationLimit   int      `json:"conversation_limit,omitempty"`   // default 20
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty"` // default 0.7
	RateLimitRPS        float64  `json:"rate_limit_rps,omitempty"`       // outbound CRM writes, default 5
	EscalationPhone     string   `json:"escalation_phone,omitempty"`     // internal alert target for URGENT
	StopFile            string   `json:"stop_file,omitempty"`            // touching this file stops the loop
	Workers             int      `json:"workers,omitempty"`              // conversations processed concurrently (default 1)
}

// StoreConfig selects the durable backend for the dedup ledger and staging queue.
// PostgresDSN is never read from the config file, only from env LEADRELAY_POSTGRES_DSN.
type StoreConfig struct {
	Backend     string `json:"backend,omitempty"` // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty"`    // sqlite file path (default ~/.leadrelay/leadrelay.db)
	PostgresDSN string `json:"-"`                 // from env LEADRELAY_POSTGRES_DSN only
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // OTLP/HTTP endpoint (default localhost:4318)
}

// Duration accepts both "15s" strings and bare seconds in JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
