package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/tokenbill/internal/app/api/server"
	"github.com/fatflowers/tokenbill/internal/app/service/customer"
	"github.com/fatflowers/tokenbill/internal/app/service/invoice"
	"github.com/fatflowers/tokenbill/internal/app/service/outbox"
	"github.com/fatflowers/tokenbill/internal/app/service/plan"
	"github.com/fatflowers/tokenbill/internal/app/service/reconciler"
	"github.com/fatflowers/tokenbill/internal/app/service/statistics"
	"github.com/fatflowers/tokenbill/internal/app/service/subscription"
	"github.com/fatflowers/tokenbill/internal/app/service/token"
	"github.com/fatflowers/tokenbill/internal/platform/broker"
	"github.com/fatflowers/tokenbill/internal/platform/db"
	"github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/logger"
	"github.com/fatflowers/tokenbill/pkg/metrics"
	"github.com/fatflowers/tokenbill/pkg/tracing"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var billingModule = fx.Options(
	plan.Module,
	subscription.Module,
	invoice.Module,
	statistics.Module,
	outbox.BillingModule,
	reconciler.BillingModule,
)

var accountModule = fx.Options(
	customer.Module,
	token.Module,
	outbox.AccountModule,
	reconciler.AccountModule,
)

// Core wires everything cfg.Authority runs except the HTTP surface.
func Core(cfg *config.Config) fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg),
		logger.Module,
		tracing.Module,
		metrics.Module,
		db.Module,
		broker.Module,
		outbox.Module,
		reconciler.Module,
	}
	if cfg.Authority.RunsBilling() {
		opts = append(opts, billingModule)
	}
	if cfg.Authority.RunsAccount() {
		opts = append(opts, accountModule)
	}
	return fx.Options(opts...)
}

// Module is the full server process for cfg.Authority.
func Module(cfg *config.Config) fx.Option {
	return fx.Options(Core(cfg), server.Module)
}
