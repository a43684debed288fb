package statistics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/internal/store/memstore"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/types"
)

func seed(t *testing.T) *memstore.Billing {
	t.Helper()
	st := memstore.NewBilling()
	day1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	require.NoError(t, st.Atomic(context.Background(), func(ctx context.Context, tx store.BillingTx) error {
		for i, r := range []*models.TokenPurchaseRecord{
			{CustomerID: "c1", Kind: types.TokenTransactionPurchase, Tokens: 500, Price: decimal.NewNullDecimal(decimal.RequireFromString("4.99")), Currency: "USD", OccurredAt: day1},
			{CustomerID: "c2", Kind: types.TokenTransactionPurchase, Tokens: 1000, Price: decimal.NewNullDecimal(decimal.RequireFromString("8.99")), Currency: "USD", OccurredAt: day1},
			{CustomerID: "c1", Kind: types.TokenTransactionBonus, Tokens: 50, OccurredAt: day2},
		} {
			r.ID = string(rune('a' + i))
			r.EventID = r.ID
			if err := tx.AddTokenPurchaseRecord(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))
	return st
}

func TestGetStatistics(t *testing.T) {
	s := New(seed(t))
	res, err := s.GetStatistics(context.Background(), &Request{DataItems: []*DataItem{
		{ID: StatisticTypeDailyTokenPurchases},
		{ID: StatisticTypeDailyTokenGmv},
		{ID: StatisticTypeDailyTokenGmv},
		{ID: StatisticTypeInvoiceStatusCounts},
	}})
	require.NoError(t, err)
	require.Len(t, res.DataItems, 3)

	purchases := res.DataItems[StatisticTypeDailyTokenPurchases]
	require.Len(t, purchases, 2)
	assert.Equal(t, "2026-05-02", purchases[0].Date)
	assert.Equal(t, "BONUS", purchases[0].Label)
	assert.Equal(t, "1500", purchases[1].Value.String())

	gmv := res.DataItems[StatisticTypeDailyTokenGmv]
	require.Len(t, gmv, 1)
	assert.Equal(t, "USD", gmv[0].Label)
	assert.Equal(t, "13.98", gmv[0].Value.StringFixed(2))

	assert.NotNil(t, res.DataItems[StatisticTypeInvoiceStatusCounts])
	assert.Empty(t, res.DataItems[StatisticTypeInvoiceStatusCounts])
}

func TestGetStatisticsRange(t *testing.T) {
	s := New(seed(t))
	from := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	res, err := s.GetStatistics(context.Background(), &Request{From: from, DataItems: []*DataItem{{ID: StatisticTypeDailyTokenPurchases}}})
	require.NoError(t, err)
	require.Len(t, res.DataItems[StatisticTypeDailyTokenPurchases], 1)
}

type failingAnalytics struct{ store.BillingAnalytics }

func (failingAnalytics) MonthlyRevenue(context.Context, time.Time, time.Time) ([]store.StatPoint, error) {
	return nil, errors.New("replica lag")
}

func TestGetStatisticsErrors(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		svc  *Service
		req  *Request
		want error
	}{
		{"no items", New(memstore.NewBilling()), &Request{}, apperr.ErrBadRequest},
		{"unknown item", New(memstore.NewBilling()), &Request{DataItems: []*DataItem{{ID: "churn"}}}, apperr.ErrBadRequest},
		{"inverted range", New(memstore.NewBilling()), &Request{From: now, To: now.Add(-time.Hour), DataItems: []*DataItem{{ID: StatisticTypeMonthlyRevenue}}}, apperr.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.svc.GetStatistics(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := New(failingAnalytics{memstore.NewBilling()}).GetStatistics(context.Background(), &Request{DataItems: []*DataItem{{ID: StatisticTypeMonthlyRevenue}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monthly_revenue")
}
