// Package statistics serves read-only financial summaries over billing data.
package statistics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"

	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
)

type StatisticType string

const (
	// Daily token purchases and allocations, labelled by kind
	StatisticTypeDailyTokenPurchases StatisticType = "daily_token_purchases"
	// Daily token GMV, labelled by currency
	StatisticTypeDailyTokenGmv StatisticType = "daily_token_gmv"
	// Payments received per month, labelled by currency
	StatisticTypeMonthlyRevenue StatisticType = "monthly_revenue"

	// Point-in-time counts; From/To do not apply
	StatisticTypeActiveSubscriptionsByPlan StatisticType = "active_subscriptions_by_plan"
	StatisticTypeInvoiceStatusCounts       StatisticType = "invoice_status_counts"
)

type DataItem struct {
	ID StatisticType `json:"id"`
}

type Request struct {
	// From is inclusive and To exclusive; a zero bound is open.
	From      time.Time   `json:"from"`
	To        time.Time   `json:"to"`
	DataItems []*DataItem `json:"data_items"`
}

type Response struct {
	DataItems map[StatisticType][]store.StatPoint `json:"data_items"`
}

type Service struct {
	analytics store.BillingAnalytics
}

func New(a store.BillingAnalytics) *Service { return &Service{analytics: a} }

func newFromStore(st store.BillingStore) *Service { return New(st) }

func (s *Service) query(ctx context.Context, req *Request, id StatisticType) ([]store.StatPoint, error) {
	switch id {
	case StatisticTypeDailyTokenPurchases:
		return s.analytics.DailyTokenPurchases(ctx, req.From, req.To)
	case StatisticTypeDailyTokenGmv:
		return s.analytics.DailyTokenGMV(ctx, req.From, req.To)
	case StatisticTypeMonthlyRevenue:
		return s.analytics.MonthlyRevenue(ctx, req.From, req.To)
	case StatisticTypeActiveSubscriptionsByPlan:
		return s.analytics.ActiveSubscriptionsByPlan(ctx)
	case StatisticTypeInvoiceStatusCounts:
		return s.analytics.InvoiceStatusCounts(ctx)
	default:
		return nil, apperr.BadRequest("invalid data item id: %s", id)
	}
}

// GetStatistics runs every requested item concurrently. One failing item fails the request.
func (s *Service) GetStatistics(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || len(req.DataItems) == 0 {
		return nil, apperr.BadRequest("at least one data item is required")
	}
	if !req.From.IsZero() && !req.To.IsZero() && !req.From.Before(req.To) {
		return nil, apperr.BadRequest("from must be before to")
	}
	ids := lo.Uniq(lo.Map(req.DataItems, func(di *DataItem, _ int) StatisticType { return di.ID }))

	var mu sync.Mutex
	entries := make([]lo.Entry[StatisticType, []store.StatPoint], 0, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			points, err := s.query(gctx, req, id)
			if err != nil {
				return fmt.Errorf("statistic %s: %w", id, err)
			}
			if points == nil {
				points = []store.StatPoint{}
			}
			mu.Lock()
			entries = append(entries, lo.Entry[StatisticType, []store.StatPoint]{Key: id, Value: points})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Response{DataItems: lo.FromEntries(entries)}, nil
}

var Module = fx.Options(fx.Provide(newFromStore))
