package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		CRM: CRMConfig{
			BaseURL: "https://services.leadconnectorhq.com",
		},
		LLM: LLMConfig{
			APIBase:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   512,
		},
		Responder: ResponderConfig{
			HistoryTurns:  6,
			SMSCharLimit:  160,
			FallbackReply: "Thanks for reaching out! A team member will get back to you shortly.",
		},
		Poller: PollerConfig{
			Interval:            Duration(15 * time.Second),
			ConversationLimit:   20,
			ConfidenceThreshold: 0.7,
			RateLimitRPS:        5,
			Workers:             1,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "~/.leadrelay/leadrelay.db",
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4318",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env are enough to run.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Secrets only exist here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("LEADRELAY_CRM_BASE_URL", &c.CRM.BaseURL)
	envStr("LEADRELAY_CRM_TOKEN", &c.CRM.APIToken)
	envStr("LEADRELAY_CRM_LOCATION_ID", &c.CRM.LocationID)

	envStr("LEADRELAY_TWILIO_ACCOUNT_SID", &c.Channels.Twilio.AccountSID)
	envStr("LEADRELAY_TWILIO_AUTH_TOKEN", &c.Channels.Twilio.AuthToken)
	envStr("LEADRELAY_TWILIO_FROM_NUMBER", &c.Channels.Twilio.FromNumber)
	envStr("LEADRELAY_TELNYX_API_KEY", &c.Channels.Telnyx.APIKey)
	envStr("LEADRELAY_TELNYX_FROM_NUMBER", &c.Channels.Telnyx.FromNumber)
	envStr("LEADRELAY_SENDGRID_API_KEY", &c.Channels.SendGrid.APIKey)
	envStr("LEADRELAY_SENDGRID_FROM_EMAIL", &c.Channels.SendGrid.FromEmail)
	envStr("LEADRELAY_MAILGUN_API_KEY", &c.Channels.Mailgun.APIKey)
	envStr("LEADRELAY_MAILGUN_DOMAIN", &c.Channels.Mailgun.Domain)

	envStr("LEADRELAY_LLM_API_KEY", &c.LLM.APIKey)
	envStr("LEADRELAY_LLM_API_BASE", &c.LLM.APIBase)
	envStr("LEADRELAY_LLM_MODEL", &c.LLM.Model)

	envStr("LEADRELAY_STORE_PATH", &c.Store.Path)
	envStr("LEADRELAY_POSTGRES_DSN", &c.Store.PostgresDSN)
	envStr("LEADRELAY_ESCALATION_PHONE", &c.Poller.EscalationPhone)
	envStr("LEADRELAY_STOP_FILE", &c.Poller.StopFile)

	if v := os.Getenv("LEADRELAY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Poller.Interval = Duration(d)
		}
	}
	if v := os.Getenv("LEADRELAY_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Poller.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("LEADRELAY_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Poller.RateLimitRPS = f
		}
	}
	if v := os.Getenv("LEADRELAY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Poller.Workers = n
		}
	}
}

// Validate checks for configuration the process cannot start without.
// Per-provider credentials are not required here: a channel with no
// configured provider is skipped at dispatch time with a loud log.
func (c *Config) Validate() error {
	var missing []string
	if c.CRM.APIToken == "" {
		missing = append(missing, "LEADRELAY_CRM_TOKEN")
	}
	if c.CRM.LocationID == "" {
		missing = append(missing, "crm.location_id (or LEADRELAY_CRM_LOCATION_ID)")
	}
	if c.LLM.APIKey == "" {
		missing = append(missing, "LEADRELAY_LLM_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store.backend is postgres but LEADRELAY_POSTGRES_DSN is not set")
	}
	if c.Poller.ConfidenceThreshold < 0 || c.Poller.ConfidenceThreshold > 1 {
		return fmt.Errorf("poller.confidence_threshold must be within [0,1], got %v", c.Poller.ConfidenceThreshold)
	}
	if c.Poller.RateLimitRPS <= 0 {
		return fmt.Errorf("poller.rate_limit_rps must be positive, got %v", c.Poller.RateLimitRPS)
	}
	return nil
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
