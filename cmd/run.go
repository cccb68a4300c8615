package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/brightlead/leadrelay/internal/config"
	"github.com/brightlead/leadrelay/internal/crm"
	"github.com/brightlead/leadrelay/internal/dispatch"
	"github.com/brightlead/leadrelay/internal/llm"
	"github.com/brightlead/leadrelay/internal/poller"
	"github.com/brightlead/leadrelay/internal/providers"
	"github.com/brightlead/leadrelay/internal/store"
	"github.com/brightlead/leadrelay/internal/store/pg"
	"github.com/brightlead/leadrelay/internal/store/sqlite"
	"github.com/brightlead/leadrelay/internal/telemetry"
)

func runLoop() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	guard := poller.NewRateLimiter(cfg.Poller.RateLimitRPS)
	crmClient := crm.NewClient(cfg.CRM.BaseURL, cfg.CRM.APIToken, cfg.CRM.LocationID, guard)

	completer := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.APIBase, cfg.LLM.Model,
		cfg.LLM.Temperature, cfg.LLM.MaxTokens)
	classifier := llm.NewClassifier(completer)
	responder := llm.NewResponder(completer, cfg.Responder.Persona,
		cfg.Responder.HistoryTurns, cfg.Responder.SMSCharLimit, cfg.Responder.FallbackReply)

	gw := buildGateway(cfg)

	loop := poller.New(crmClient, classifier, responder, gw, stores.Ledger, stores.Staging, poller.Options{
		Interval:            cfg.Poller.Interval.Std(),
		ConversationLimit:   cfg.Poller.ConversationLimit,
		ConfidenceThreshold: cfg.Poller.ConfidenceThreshold,
		EscalationPhone:     cfg.Poller.EscalationPhone,
		Workers:             cfg.Poller.Workers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Poller.StopFile != "" {
		watchStopFile(ctx, config.ExpandHome(cfg.Poller.StopFile), stop)
	}

	slog.Info("leadrelay starting", "version", Version,
		"store", cfg.Store.Backend,
		"sms_providers", gw.Providers(dispatch.ChannelSMS),
		"email_providers", gw.Providers(dispatch.ChannelEmail))

	if err := loop.Run(ctx); err != nil {
		slog.Error("poll loop failed", "error", err)
		os.Exit(1)
	}

	if err := shutdownTelemetry(context.Background()); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.Store.Backend == "postgres" {
		return pg.NewStores(cfg.Store.PostgresDSN)
	}
	path := config.ExpandHome(cfg.Store.Path)
	os.MkdirAll(filepath.Dir(path), 0755)
	return sqlite.NewStores(path)
}

// buildGateway registers provider chains in fixed fallback order:
// Twilio before Telnyx for SMS and voice, SendGrid before Mailgun for email.
// Providers without credentials are left out of the chain.
func buildGateway(cfg *config.Config) *dispatch.Gateway {
	gw := dispatch.NewGateway()
	ch := cfg.Channels

	if ch.Twilio.AccountSID != "" && ch.Twilio.AuthToken != "" {
		gw.Register(dispatch.ChannelSMS, providers.NewTwilioSMS(ch.Twilio.AccountSID, ch.Twilio.AuthToken), ch.Twilio.FromNumber)
		gw.Register(dispatch.ChannelVoice, providers.NewTwilioVoice(ch.Twilio.AccountSID, ch.Twilio.AuthToken), ch.Twilio.FromNumber)
	}
	if ch.Telnyx.APIKey != "" {
		gw.Register(dispatch.ChannelSMS, providers.NewTelnyxSMS(ch.Telnyx.APIKey), ch.Telnyx.FromNumber)
		if ch.Telnyx.ConnectionID != "" {
			gw.Register(dispatch.ChannelVoice, providers.NewTelnyxVoice(ch.Telnyx.APIKey, ch.Telnyx.ConnectionID), ch.Telnyx.FromNumber)
		}
	}
	if ch.SendGrid.APIKey != "" {
		gw.Register(dispatch.ChannelEmail, providers.NewSendGrid(ch.SendGrid.APIKey, ch.SendGrid.FromName), ch.SendGrid.FromEmail)
	}
	if ch.Mailgun.APIKey != "" && ch.Mailgun.Domain != "" {
		gw.Register(dispatch.ChannelEmail, providers.NewMailgun(ch.Mailgun.APIKey, ch.Mailgun.Domain), ch.Mailgun.FromEmail)
	}
	return gw
}

// watchStopFile cancels the run context when the stop file appears.
// Touch the file to request a graceful drain without signal access
// (containers, supervisors with opaque process trees).
func watchStopFile(ctx context.Context, path string, stop func()) {
	if _, err := os.Stat(path); err == nil {
		slog.Warn("stop file already present, remove it to start", "path", path)
		stop()
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("stop file watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("stop file watcher unavailable", "path", path, "error", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == path && ev.Op.Has(fsnotify.Create) {
					slog.Info("stop file detected, draining", "path", path)
					stop()
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("stop file watcher error", "error", err)
			}
		}
	}()
}
