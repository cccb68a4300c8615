package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/brightlead/leadrelay/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("leadrelay doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Secrets:")
	checkSecret("CRM token", cfg.CRM.APIToken)
	checkSecret("LLM API key", cfg.LLM.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Twilio SMS/voice", cfg.Channels.Twilio.AccountSID != "" && cfg.Channels.Twilio.AuthToken != "")
	checkChannel("Telnyx SMS", cfg.Channels.Telnyx.APIKey != "")
	checkChannel("Telnyx voice", cfg.Channels.Telnyx.APIKey != "" && cfg.Channels.Telnyx.ConnectionID != "")
	checkChannel("SendGrid email", cfg.Channels.SendGrid.APIKey != "")
	checkChannel("Mailgun email", cfg.Channels.Mailgun.APIKey != "" && cfg.Channels.Mailgun.Domain != "")

	fmt.Println()
	fmt.Println("  Store:")
	backend := cfg.Store.Backend
	if backend == "" {
		backend = "sqlite"
	}
	fmt.Printf("    %-12s %s\n", "Backend:", backend)
	if backend == "postgres" {
		checkChannel("Postgres DSN", cfg.Store.PostgresDSN != "")
	} else {
		fmt.Printf("    %-12s %s\n", "Path:", config.ExpandHome(cfg.Store.Path))
	}
	if stores, err := openStores(cfg); err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
	} else {
		stores.Close()
		fmt.Printf("    %-12s OK\n", "Status:")
	}

	fmt.Println()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Validate: FAILED (%s)\n", err)
		os.Exit(1)
	}
	fmt.Println("  Validate: OK")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-20s MISSING\n", name+":")
	} else {
		fmt.Printf("    %-20s set\n", name+":")
	}
}

func checkChannel(name string, configured bool) {
	if configured {
		fmt.Printf("    %-20s configured\n", name+":")
	} else {
		fmt.Printf("    %-20s not configured\n", name+":")
	}
}
