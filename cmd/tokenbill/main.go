package main

// @title           TokenBill API
// @version         1.0
// @description     Billing and account authorities for plans, subscriptions, invoices and token ledgers.

// @host      localhost:8888
// @BasePath  /

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fatflowers/tokenbill/pkg/config"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tokenbill",
	Short: "TokenBill - subscription billing with an event-synchronised token ledger",
	Long: `TokenBill runs two authorities that only talk through events:

  billing  plans, subscriptions, invoices and payments
  account  customers and the append-only token ledger

Each authority writes its events to a transactional outbox and consumes the
other's events idempotently. Configuration comes from config.yaml, .env and
APP_* environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tokenbill version %s\nCommit: %s\n", Version, Commit))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(deadLetterCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// loadConfig reads configuration and, when authority is set, overrides the
// configured one.
func loadConfig(authority string) (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	if authority == "" {
		return cfg, nil
	}
	return cfg.WithAuthority(config.Authority(authority))
}
