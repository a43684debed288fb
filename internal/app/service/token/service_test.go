package token

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/internal/store/memstore"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/metrics"
	"github.com/fatflowers/tokenbill/pkg/types"
)

func newTestService(t *testing.T, customers ...string) (*Service, *memstore.Account) {
	t.Helper()
	cfg := &config.Config{
		Ledger: config.LedgerConfig{MaxAdjustment: 10000},
		TokenPackages: []*types.TokenPackage{
			{ID: "pack-1k", Name: "1K tokens", Tokens: 1000, Price: decimal.RequireFromString("9.99"), Currency: "USD"},
		},
	}
	st := memstore.NewAccount()
	require.NoError(t, st.Atomic(context.Background(), func(ctx context.Context, tx store.AccountTx) error {
		for _, id := range customers {
			if err := tx.CreateCustomer(ctx, &models.Customer{ID: id, Email: id + "@example.com", Status: types.CustomerStatusActive}); err != nil {
				return err
			}
		}
		return nil
	}))
	return NewService(cfg, st, zap.NewNop().Sugar(), metrics.NewNopBusiness()), st
}

func ledger(t *testing.T, st *memstore.Account, customerID string) []*models.TokenTransaction {
	t.Helper()
	var out []*models.TokenTransaction
	require.NoError(t, st.View(context.Background(), func(ctx context.Context, tx store.AccountTx) error {
		var err error
		out, err = tx.AllTransactions(ctx, customerID)
		return err
	}))
	return out
}

func TestFoldScenario(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, "c1")

	_, err := svc.PurchaseTokens(ctx, "c1", "pack-1k", "alice")
	require.NoError(t, err)
	_, err = svc.AllocateTokens(ctx, "c1", 100, "admin", "welcome bonus")
	require.NoError(t, err)
	_, err = svc.ConsumeTokens(ctx, "c1", 50, "chat", "alice")
	require.NoError(t, err)
	res, err := svc.ConsumeTokens(ctx, "c1", 20, "search", "alice")
	require.NoError(t, err)

	assert.EqualValues(t, 1100, res.Balance.Allocated)
	assert.EqualValues(t, 70, res.Balance.Used)
	assert.EqualValues(t, 1030, res.Balance.Available)
	assert.EqualValues(t, 4, res.Balance.Seq)
	assert.EqualValues(t, 1030, res.Transaction.Balance)

	entries := ledger(t, st, "c1")
	require.Len(t, entries, 4)
	assert.Equal(t, Totals{Allocated: 1100, Used: 70, Available: 1030}, Fold(entries))
	for i, e := range entries {
		assert.EqualValues(t, i+1, e.Seq)
	}

	bal, err := svc.GetTokenBalance(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1030, bal.Available)
}

func TestConsumeInsufficientAppendsNothing(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, "c1")
	_, err := svc.AllocateTokens(ctx, "c1", 30, "admin", "trial")
	require.NoError(t, err)

	_, err = svc.ConsumeTokens(ctx, "c1", 31, "chat", "alice")
	require.ErrorIs(t, err, apperr.ErrInsufficientResource)
	assert.Contains(t, err.Error(), "insufficient token balance")

	assert.Len(t, ledger(t, st, "c1"), 1)
	bal, err := svc.GetTokenBalance(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 30, bal.Available)
	assert.EqualValues(t, 1, bal.Seq)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "c1")
	_, err := svc.AllocateTokens(ctx, "c1", 100, "admin", "seed")
	require.NoError(t, err)
	_, err = svc.ConsumeTokens(ctx, "c1", 40, "chat", "alice")
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"unknown customer", func() error { _, err := svc.ConsumeTokens(ctx, "nobody", 1, "", "x"); return err }, apperr.ErrNotFound},
		{"unknown package", func() error { _, err := svc.PurchaseTokens(ctx, "c1", "nope", "x"); return err }, apperr.ErrNotFound},
		{"zero allocate", func() error { _, err := svc.AllocateTokens(ctx, "c1", 0, "x", ""); return err }, apperr.ErrBadRequest},
		{"negative consume", func() error { _, err := svc.ConsumeTokens(ctx, "c1", -5, "", "x"); return err }, apperr.ErrBadRequest},
		{"refund above used", func() error { _, err := svc.RefundTokens(ctx, "c1", 41, "x", "oops"); return err }, apperr.ErrBadRequest},
		{"adjust without reason", func() error { _, err := svc.AdjustTokens(ctx, "c1", 10, "x", ""); return err }, apperr.ErrBadRequest},
		{"adjust without actor", func() error { _, err := svc.AdjustTokens(ctx, "c1", 10, "", "fix"); return err }, apperr.ErrBadRequest},
		{"adjust above limit", func() error { _, err := svc.AdjustTokens(ctx, "c1", 10001, "x", "fix"); return err }, apperr.ErrBadRequest},
		{"adjust below zero", func() error { _, err := svc.AdjustTokens(ctx, "c1", -61, "x", "fix"); return err }, apperr.ErrInsufficientResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.want)
		})
	}

	res, err := svc.RefundTokens(ctx, "c1", 40, "support", "outage")
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Balance.Used)
	assert.EqualValues(t, 100, res.Balance.Available)

	res, err = svc.AdjustTokens(ctx, "c1", -100, "support", "clawback")
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Balance.Available)
	assert.EqualValues(t, 100, res.Balance.Allocated, "a negative adjustment is a debit")
	assert.EqualValues(t, 100, res.Balance.Used)
}

func TestTokenEventsUseSeqAsVersion(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, "c1")
	_, err := svc.ConsumeTokens(ctx, "c1", 1, "chat", "alice")
	require.ErrorIs(t, err, apperr.ErrInsufficientResource)
	_, err = svc.AllocateTokens(ctx, "c1", 5, "admin", "promo")
	require.NoError(t, err)
	_, err = svc.ConsumeTokens(ctx, "c1", 5, "chat", "alice")
	require.NoError(t, err)
	_, err = svc.PurchaseTokens(ctx, "c1", "pack-1k", "alice")
	require.NoError(t, err)

	rows := st.OutboxEvents()
	require.Len(t, rows, 2, "usage emits no event")
	assert.Equal(t, events.EventTokensAllocated, rows[0].EventType)
	assert.EqualValues(t, 1, rows[0].Version)
	assert.Equal(t, events.EventTokensPurchased, rows[1].EventType)
	assert.EqualValues(t, 3, rows[1].Version)

	env, err := rows[1].Envelope()
	require.NoError(t, err)
	assert.Equal(t, events.TopicTokens, env.Topic)
	assert.Equal(t, events.EntityTokenAccount, env.EntityType)
	assert.Equal(t, "c1", env.EntityID)
	var payload events.TokenPurchaseEvent
	require.NoError(t, env.Decode(&payload))
	assert.EqualValues(t, 1000, payload.TokensPurchased)
	assert.Equal(t, "9.99", payload.Price.StringFixed(2))
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, "c1", "c2")
	_, err := svc.AllocateTokens(ctx, "c1", 500, "admin", "seed")
	require.NoError(t, err)
	_, err = svc.AllocateTokens(ctx, "c2", 500, "admin", "seed")
	require.NoError(t, err)

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 120; i++ {
		wg.Add(1)
		customer := "c1"
		if i%2 == 1 {
			customer = "c2"
		}
		go func() {
			defer wg.Done()
			if _, err := svc.ConsumeTokens(ctx, customer, 10, "chat", "load"); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, ok)
	for _, c := range []string{"c1", "c2"} {
		bal, err := svc.GetTokenBalance(ctx, c)
		require.NoError(t, err)
		assert.EqualValues(t, 0, bal.Available)
		assert.Equal(t, Fold(ledger(t, st, c)).Available, bal.Available)
	}
}

func TestRebuildBalanceRepairsDrift(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, "c1")
	_, err := svc.AllocateTokens(ctx, "c1", 300, "admin", "seed")
	require.NoError(t, err)
	_, err = svc.ConsumeTokens(ctx, "c1", 100, "chat", "alice")
	require.NoError(t, err)

	res, err := svc.VerifyBalance(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, res.Drift)

	require.NoError(t, st.Atomic(ctx, func(ctx context.Context, tx store.AccountTx) error {
		return tx.SaveBalance(ctx, &models.TokenBalance{CustomerID: "c1", Allocated: 999, Available: 999, Seq: 2})
	}))

	res, err = svc.VerifyBalance(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, res.Drift)
	assert.False(t, res.Repaired)

	res, err = svc.RebuildBalance(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.Equal(t, Totals{Allocated: 300, Used: 100, Available: 200}, res.Folded)

	bal, err := svc.GetTokenBalance(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 200, bal.Available)
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "c1")
	for i := 0; i < 3; i++ {
		_, err := svc.AllocateTokens(ctx, "c1", int64(10*(i+1)), "admin", "seed")
		require.NoError(t, err)
	}
	page, total, err := svc.GetTokenTransactionHistory(ctx, "c1", 0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, page, 2)
	assert.EqualValues(t, 3, page[0].Seq)
	assert.EqualValues(t, 30, page[0].Amount)

	_, _, err = svc.GetTokenTransactionHistory(ctx, "ghost", 0, 10)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTotalsApply(t *testing.T) {
	tests := []struct {
		typ    types.TokenTransactionType
		amount int64
		want   Totals
	}{
		{types.TokenTransactionPurchase, 10, Totals{Allocated: 10, Available: 10}},
		{types.TokenTransactionBonus, 5, Totals{Allocated: 5, Available: 5}},
		{types.TokenTransactionPurchase, -10, Totals{}},
		{types.TokenTransactionAdjustment, 3, Totals{Allocated: 3, Available: 3}},
		{types.TokenTransactionAdjustment, -3, Totals{Used: 3, Available: -3}},
		{types.TokenTransactionUsage, 4, Totals{Used: 4, Available: -4}},
		{types.TokenTransactionUsage, -4, Totals{Used: 4, Available: -4}},
		{types.TokenTransactionRefund, 4, Totals{Used: -4, Available: 4}},
		{types.TokenTransactionRefund, -4, Totals{Used: -4, Available: 4}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %d", tt.typ, tt.amount), func(t *testing.T) {
			assert.Equal(t, tt.want, Totals{}.Apply(tt.typ, tt.amount))
		})
	}
}
