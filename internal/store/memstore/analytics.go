package memstore

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/types"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

type seriesKey struct{ date, label string }

type series map[seriesKey]decimal.Decimal

func (s series) add(date, label string, v decimal.Decimal) {
	k := seriesKey{date, label}
	s[k] = s[k].Add(v)
}

// points orders rows by date descending then label, matching the SQL queries.
func (s series) points() []store.StatPoint {
	out := make([]store.StatPoint, 0, len(s))
	for k, v := range s {
		out = append(out, store.StatPoint{Date: k.date, Label: k.label, Value: v})
	}
	slices.SortFunc(out, func(a, b store.StatPoint) int {
		if c := cmp.Compare(b.Date, a.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.Label, b.Label)
	})
	return out
}

func within(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	return to.IsZero() || t.Before(to)
}

func (s *Billing) DailyTokenPurchases(_ context.Context, from, to time.Time) ([]store.StatPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := series{}
	for _, r := range s.data.purchases {
		if within(r.OccurredAt, from, to) {
			out.add(r.OccurredAt.UTC().Format(dayLayout), string(r.Kind), decimal.NewFromInt(r.Tokens))
		}
	}
	return out.points(), nil
}

func (s *Billing) DailyTokenGMV(_ context.Context, from, to time.Time) ([]store.StatPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := series{}
	for _, r := range s.data.purchases {
		if r.Price.Valid && within(r.OccurredAt, from, to) {
			out.add(r.OccurredAt.UTC().Format(dayLayout), r.Currency, r.Price.Decimal)
		}
	}
	return out.points(), nil
}

func (s *Billing) MonthlyRevenue(_ context.Context, from, to time.Time) ([]store.StatPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := series{}
	for _, p := range s.data.payments {
		if within(p.ReceivedAt, from, to) {
			out.add(p.ReceivedAt.UTC().Format(monthLayout), p.Currency, p.Amount)
		}
	}
	return out.points(), nil
}

func (s *Billing) ActiveSubscriptionsByPlan(context.Context) ([]store.StatPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := series{}
	for _, sub := range s.data.subs {
		if sub.Status == types.SubscriptionStatusActive {
			out.add("", sub.PlanID, decimal.NewFromInt(1))
		}
	}
	return out.points(), nil
}

func (s *Billing) InvoiceStatusCounts(context.Context) ([]store.StatPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := series{}
	for _, inv := range s.data.invoices {
		out.add("", string(inv.Status), decimal.NewFromInt(1))
	}
	return out.points(), nil
}
