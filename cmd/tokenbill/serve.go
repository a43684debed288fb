package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/fatflowers/tokenbill/internal/app"
	"github.com/fatflowers/tokenbill/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve [billing|account|all]",
	Short: "Run the HTTP API, outbox dispatchers and event consumers",
	Long: `Run one or both authorities in this process.

Without an argument the authority comes from configuration. A split
deployment needs broker.mode=http and a peer URL for the other authority.

Examples:
  tokenbill serve
  tokenbill serve billing`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(config.AuthorityBilling), string(config.AuthorityAccount), string(config.AuthorityAll)},
	RunE:      runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	var authority string
	if len(args) == 1 {
		authority = args[0]
	}
	cfg, err := loadConfig(authority)
	if err != nil {
		return err
	}

	a := fx.New(app.Module(cfg), fx.StartTimeout(app.DefaultStartTimeout), fx.StopTimeout(app.DefaultStopTimeout))
	startCtx, cancel := context.WithTimeout(context.Background(), app.DefaultStartTimeout)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start %s: %w", cfg.Authority, err)
	}

	// Block until SIGINT/SIGTERM.
	<-a.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.DefaultStopTimeout)
	defer cancelStop()
	if err := a.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop %s: %w", cfg.Authority, err)
	}
	return nil
}
