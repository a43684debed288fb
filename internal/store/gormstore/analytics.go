package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/types"
)

func between(q *gorm.DB, column string, from, to time.Time) *gorm.DB {
	if !from.IsZero() {
		q = q.Where(column+" >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where(column+" < ?", to)
	}
	return q
}

func (s *Billing) series(ctx context.Context, model any, sel string, build func(q *gorm.DB) *gorm.DB) ([]store.StatPoint, error) {
	var out []store.StatPoint
	q := build(s.db.WithContext(ctx).Model(model).Select(sel))
	err := q.Group("date, label").Order("date DESC, label").Scan(&out).Error
	return out, err
}

func (s *Billing) DailyTokenPurchases(ctx context.Context, from, to time.Time) ([]store.StatPoint, error) {
	return s.series(ctx, &models.TokenPurchaseRecord{},
		"TO_CHAR(occurred_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS date, kind AS label, SUM(tokens) AS value",
		func(q *gorm.DB) *gorm.DB { return between(q, "occurred_at", from, to) })
}

func (s *Billing) DailyTokenGMV(ctx context.Context, from, to time.Time) ([]store.StatPoint, error) {
	return s.series(ctx, &models.TokenPurchaseRecord{},
		"TO_CHAR(occurred_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS date, currency AS label, SUM(price) AS value",
		func(q *gorm.DB) *gorm.DB { return between(q.Where("price IS NOT NULL"), "occurred_at", from, to) })
}

func (s *Billing) MonthlyRevenue(ctx context.Context, from, to time.Time) ([]store.StatPoint, error) {
	return s.series(ctx, &models.Payment{},
		"TO_CHAR(received_at AT TIME ZONE 'UTC', 'YYYY-MM') AS date, currency AS label, SUM(amount) AS value",
		func(q *gorm.DB) *gorm.DB { return between(q, "received_at", from, to) })
}

func (s *Billing) ActiveSubscriptionsByPlan(ctx context.Context) ([]store.StatPoint, error) {
	return s.series(ctx, &models.Subscription{},
		"'' AS date, plan_id AS label, COUNT(*) AS value",
		func(q *gorm.DB) *gorm.DB { return q.Where("status = ?", types.SubscriptionStatusActive) })
}

func (s *Billing) InvoiceStatusCounts(ctx context.Context) ([]store.StatPoint, error) {
	return s.series(ctx, &models.Invoice{},
		"'' AS date, status AS label, COUNT(*) AS value",
		func(q *gorm.DB) *gorm.DB { return q })
}
