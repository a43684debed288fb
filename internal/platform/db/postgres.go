package db

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/internal/store/gormstore"
	"github.com/fatflowers/tokenbill/internal/store/memstore"
	cfgpkg "github.com/fatflowers/tokenbill/pkg/config"
	gormzap "github.com/fatflowers/tokenbill/pkg/gormlog"
)

// Open connects to one authority's database and migrates its tables.
func Open(l *zap.SugaredLogger, name string, c cfgpkg.DBConfig, tables ...any) (*gorm.DB, error) {
	if c.DSN == "" {
		l.Errorw("database DSN is empty", "db", name)
		return nil, fmt.Errorf("%s database: %w", name, gorm.ErrInvalidDB)
	}
	db, err := gorm.Open(postgres.Open(c.DSN), &gorm.Config{
		Logger:         gormzap.New(l, c.LogLevel, c.SlowThreshold),
		TranslateError: true,
	})
	if err != nil {
		l.Errorf("failed to connect %s database: %v", name, err)
		return nil, err
	}
	l.Infow("connected to postgres via DSN", "db", name)
	if err := AutoMigrate(l, db, name, tables...); err != nil {
		return nil, err
	}
	return db, nil
}

var Module = fx.Options(
	fx.Provide(NewBillingStore),
	fx.Provide(NewAccountStore),
)

// NewBillingStore builds the billing store for the configured driver.
func NewBillingStore(lc fx.Lifecycle, l *zap.SugaredLogger, cfg *cfgpkg.Config) (store.BillingStore, error) {
	if cfg.Storage.Driver == cfgpkg.StorageDriverMemory {
		l.Infow("billing storage is in-memory")
		return memstore.NewBilling(), nil
	}
	gdb, err := Open(l, "billing", cfg.BillingDatabase, models.BillingModels()...)
	if err != nil {
		return nil, err
	}
	registerDBClose(lc, l, "billing", gdb)
	return gormstore.NewBilling(gdb), nil
}

// NewAccountStore builds the account store for the configured driver.
func NewAccountStore(lc fx.Lifecycle, l *zap.SugaredLogger, cfg *cfgpkg.Config) (store.AccountStore, error) {
	if cfg.Storage.Driver == cfgpkg.StorageDriverMemory {
		l.Infow("account storage is in-memory")
		return memstore.NewAccount(), nil
	}
	gdb, err := Open(l, "account", cfg.AccountDatabase, models.AccountModels()...)
	if err != nil {
		return nil, err
	}
	registerDBClose(lc, l, "account", gdb)
	return gormstore.NewAccount(gdb), nil
}

// AutoMigrate runs GORM migrations on startup
func AutoMigrate(l *zap.SugaredLogger, db *gorm.DB, name string, tables ...any) error {
	if err := db.AutoMigrate(tables...); err != nil {
		l.Errorf("automigrate %s failed: %v", name, err)
		return err
	}
	l.Infow("automigrate completed", "db", name)
	return nil
}

// registerDBClose ensures the underlying *sql.DB is closed on shutdown
func registerDBClose(lc fx.Lifecycle, l *zap.SugaredLogger, name string, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				l.Warnw("gorm: get sql.DB failed", "db", name, "err", err)
				return nil
			}
			l.Infow("closing postgres connection pool", "db", name)
			return sqlDB.Close()
		},
	})
}
