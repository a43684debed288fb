package main

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/fatflowers/tokenbill/internal/app"
)

// buildTooling constructs the configured authorities without starting them:
// no HTTP server, no dispatcher loops. targets are filled via fx.Populate.
func buildTooling(targets ...any) error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	a := fx.New(app.Core(cfg), fx.NopLogger, fx.Populate(targets...))
	if err := a.Err(); err != nil {
		return fmt.Errorf("%s process cannot serve this command: %w", cfg.Authority, err)
	}
	return nil
}
