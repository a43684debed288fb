package reconciler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/app/service/token"
	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/internal/store/memstore"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/metrics"
	"github.com/fatflowers/tokenbill/pkg/types"
)

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func testConsumerConfig() config.ConsumerConfig {
	return config.ConsumerConfig{MaxRetries: 2, RetryInterval: time.Millisecond, WatermarkCacheSize: 128}
}

func testAccountConsumer(t *testing.T) (*Consumer, *memstore.Account) {
	t.Helper()
	st := memstore.NewAccount()
	c, err := NewConsumer(NewAccountApplier(st, zap.NewNop().Sugar()), st, testConsumerConfig(), zap.NewNop().Sugar(), metrics.NewNopBusiness())
	require.NoError(t, err)
	return c, st
}

func testBillingConsumer(t *testing.T) (*Consumer, *memstore.Billing) {
	t.Helper()
	st := memstore.NewBilling()
	c, err := NewConsumer(NewBillingApplier(st, zap.NewNop().Sugar()), st, testConsumerConfig(), zap.NewNop().Sugar(), metrics.NewNopBusiness())
	require.NoError(t, err)
	return c, st
}

func envelope(t *testing.T, m events.Meta, payload any) *events.Envelope {
	t.Helper()
	env, err := events.New(m, payload, t0)
	require.NoError(t, err)
	return env
}

func subscriptionEnv(t *testing.T, version int64, status types.SubscriptionStatus, planID string, tokens int64) *events.Envelope {
	return envelope(t, events.Meta{
		Topic:       events.TopicSubscriptions,
		EntityType:  events.EntitySubscription,
		EntityID:    "sub-1",
		Version:     version,
		EventType:   events.EventUpdated,
		TriggeredBy: "ops",
		Source:      events.SourceBilling,
	}, events.SubscriptionEvent{
		SubscriptionID: "sub-1",
		UserID:         "cust-1",
		EntityID:       "cust-1",
		EntityType:     events.EntityCustomer,
		NewPlan:        events.PlanRef{ID: planID, IncludedTokens: tokens},
		NewStatus:      status,
		StartDate:      t0,
		Timestamp:      t0,
	})
}

func balanceOf(t *testing.T, st *memstore.Account, customerID string) *models.TokenBalance {
	t.Helper()
	var bal *models.TokenBalance
	require.NoError(t, st.View(context.Background(), func(ctx context.Context, tx store.AccountTx) error {
		var err error
		bal, err = tx.GetBalance(ctx, customerID)
		return err
	}))
	return bal
}

func ledgerOf(t *testing.T, st *memstore.Account, customerID string) []*models.TokenTransaction {
	t.Helper()
	var out []*models.TokenTransaction
	require.NoError(t, st.View(context.Background(), func(ctx context.Context, tx store.AccountTx) error {
		var err error
		out, err = tx.AllTransactions(ctx, customerID)
		return err
	}))
	return out
}

func TestSubscriptionRebaseline(t *testing.T) {
	ctx := context.Background()
	c, st := testAccountConsumer(t)

	require.NoError(t, c.Handle(ctx, subscriptionEnv(t, 1, types.SubscriptionStatusActive, "basic", 1000)))
	assert.EqualValues(t, 1000, balanceOf(t, st, "cust-1").Available)

	// upgrade books only the difference
	require.NoError(t, c.Handle(ctx, subscriptionEnv(t, 2, types.SubscriptionStatusActive, "pro", 5000)))
	assert.EqualValues(t, 5000, balanceOf(t, st, "cust-1").Available)

	ledger := ledgerOf(t, st, "cust-1")
	require.Len(t, ledger, 2)
	assert.EqualValues(t, 1000, ledger[0].Amount)
	assert.EqualValues(t, 4000, ledger[1].Amount)
	assert.Equal(t, types.TokenTransactionAdjustment, ledger[1].Type)
	assert.Equal(t, "subscription:sub-1", ledger[1].Reference)
	assert.Equal(t, "ops", ledger[1].Actor)

	var grant *models.SubscriptionGrant
	require.NoError(t, st.View(ctx, func(ctx context.Context, tx store.AccountTx) error {
		var err error
		grant, err = tx.GetGrant(ctx, "sub-1")
		return err
	}))
	assert.EqualValues(t, 5000, grant.GrantedTokens)
	assert.Equal(t, "pro", grant.PlanID)
	assert.EqualValues(t, 2, grant.LastVersion)
}

func TestSubscriptionClawbackIsClamped(t *testing.T) {
	ctx := context.Background()
	c, st := testAccountConsumer(t)
	require.NoError(t, c.Handle(ctx, subscriptionEnv(t, 1, types.SubscriptionStatusActive, "basic", 1000)))

	require.NoError(t, st.Atomic(ctx, func(ctx context.Context, tx store.AccountTx) error {
		bal, err := tx.LockBalance(ctx, "cust-1", t0)
		if err != nil {
			return err
		}
		return token.Append(ctx, tx, bal, &models.TokenTransaction{Type: types.TokenTransactionUsage, Amount: 700, OccurredAt: t0, Actor: "api"})
	}))

	require.NoError(t, c.Handle(ctx, subscriptionEnv(t, 2, types.SubscriptionStatusCanceled, "basic", 1000)))
	bal := balanceOf(t, st, "cust-1")
	assert.Zero(t, bal.Available, "a clawback never goes negative")
	ledger := ledgerOf(t, st, "cust-1")
	require.Len(t, ledger, 3)
	assert.EqualValues(t, -300, ledger[2].Amount)
	assert.EqualValues(t, 0, ledger[2].Balance)
}

func TestResumeRestoresOnlyWhatWasClawedBack(t *testing.T) {
	ctx := context.Background()
	c, st := testAccountConsumer(t)
	require.NoError(t, c.Handle(ctx, subscriptionEnv(t, 1, types.SubscriptionStatusActive, "basic", 1000)))
	require.NoError(t, st.Atomic(ctx, func(ctx context.Context, tx store.AccountTx) error {
		bal, err := tx.LockBalance(ctx, "cust-1", t0)
		if err != nil {
			return err
		}
		return token.Append(ctx, tx, bal, &models.TokenTransaction{Type: types.TokenTransactionUsage, Amount: 700, OccurredAt: t0, Actor: "api"})
	}))

	grantOf := func() int64 {
		var g *models.SubscriptionGrant
		require.NoError(t, st.View(ctx, func(ctx context.Context, tx store.AccountTx) error {
			var err error
			g, err = tx.GetGrant(ctx, "sub-1")
			return err
		}))
		return g.GrantedTokens
	}

	require.NoError(t, c.Handle(ctx, subscriptionEnv(t, 2, types.SubscriptionStatusPaused, "basic", 1000)))
	assert.Zero(t, balanceOf(t, st, "cust-1").Available)
	assert.EqualValues(t, 700, grantOf(), "only 300 could be clawed back")

	require.NoError(t, c.Handle(ctx, subscriptionEnv(t, 3, types.SubscriptionStatusActive, "basic", 1000)))
	bal := balanceOf(t, st, "cust-1")
	assert.EqualValues(t, 300, bal.Available)
	assert.EqualValues(t, 1000, grantOf())

	ledger := ledgerOf(t, st, "cust-1")
	require.Len(t, ledger, 4)
	assert.EqualValues(t, -300, ledger[2].Amount)
	assert.EqualValues(t, 300, ledger[3].Amount)
}

func TestSnapshotsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	c, st := testAccountConsumer(t)
	v2 := subscriptionEnv(t, 2, types.SubscriptionStatusActive, "pro", 5000)

	require.NoError(t, c.Handle(ctx, v2))
	require.NoError(t, c.Handle(ctx, v2), "redelivery")
	require.NoError(t, c.Handle(ctx, subscriptionEnv(t, 1, types.SubscriptionStatusActive, "basic", 1000)), "stale version")

	assert.EqualValues(t, 5000, balanceOf(t, st, "cust-1").Available)
	assert.Len(t, ledgerOf(t, st, "cust-1"), 1)

	// a fresh consumer with a cold cache still skips through the stored watermark
	fresh, err := NewConsumer(NewAccountApplier(st, zap.NewNop().Sugar()), st, testConsumerConfig(), zap.NewNop().Sugar(), metrics.NewNopBusiness())
	require.NoError(t, err)
	applied, err := fresh.Replay(ctx, v2)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, ledgerOf(t, st, "cust-1"), 1)

	var statuses []models.EventLogStatus
	for _, l := range st.EventLogs() {
		if l.EventID == v2.ID {
			statuses = append(statuses, l.Status)
		}
	}
	assert.Contains(t, statuses, models.EventLogStatusApplied)
	assert.Contains(t, statuses, models.EventLogStatusSkipped)
}

func TestPlanReplica(t *testing.T) {
	ctx := context.Background()
	c, st := testAccountConsumer(t)
	plan := func(version int64, name string) *events.Envelope {
		return envelope(t, events.Meta{
			Topic: events.TopicPlans, EntityType: events.EntityPlan, EntityID: "plan-1",
			Version: version, EventType: events.EventUpdated, Source: events.SourceBilling,
		}, events.PlanEvent{
			PlanID:    "plan-1",
			EventType: events.EventUpdated,
			PlanData: events.PlanData{
				ID: "plan-1", LineageID: "plan-1", Name: name, Price: decimal.NewFromInt(20),
				Currency: "USD", Status: types.PlanStatusDraft, Version: 1, Revision: version,
			},
		})
	}
	require.NoError(t, c.Handle(ctx, plan(3, "Gold")))
	require.NoError(t, c.Handle(ctx, plan(2, "Silver")))

	var r *models.PlanReplica
	require.NoError(t, st.View(ctx, func(ctx context.Context, tx store.AccountTx) error {
		var err error
		r, err = tx.GetPlanReplica(ctx, "plan-1")
		return err
	}))
	assert.Equal(t, "Gold", r.Name)
}

func TestTokenFactsAreDeduplicated(t *testing.T) {
	ctx := context.Background()
	c, st := testBillingConsumer(t)
	purchase := envelope(t, events.Meta{
		Topic: events.TopicTokens, EntityType: events.EntityTokenAccount, EntityID: "cust-1",
		Version: 1, EventType: events.EventTokensPurchased, Source: events.SourceAccount,
	}, events.TokenPurchaseEvent{
		CustomerID: "cust-1", TokensPurchased: 500, PackageID: "small",
		Price: decimal.RequireFromString("4.99"), Currency: "USD", TransactionID: "tx-1", Timestamp: t0,
	})
	require.NoError(t, c.Handle(ctx, purchase))
	require.NoError(t, c.Handle(ctx, purchase))

	fresh, err := NewConsumer(NewBillingApplier(st, zap.NewNop().Sugar()), st, testConsumerConfig(), zap.NewNop().Sugar(), metrics.NewNopBusiness())
	require.NoError(t, err)
	applied, err := fresh.Replay(ctx, purchase)
	require.NoError(t, err)
	assert.False(t, applied)

	points, err := st.DailyTokenPurchases(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, decimal.NewFromInt(500).Equal(points[0].Value))
	gmv, err := st.DailyTokenGMV(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, gmv, 1)
	assert.Equal(t, "4.99", gmv[0].Value.StringFixed(2))
}

func TestCustomerReplica(t *testing.T) {
	ctx := context.Background()
	c, st := testBillingConsumer(t)
	customer := func(version int64, status types.CustomerStatus) *events.Envelope {
		return envelope(t, events.Meta{
			Topic: events.TopicCustomers, EntityType: events.EntityCustomer, EntityID: "cust-1",
			Version: version, EventType: events.EventUpdated, Source: events.SourceAccount,
		}, events.CustomerEvent{CustomerID: "cust-1", Name: "Ada", Email: "ada@example.com", Status: status, Timestamp: t0})
	}
	require.NoError(t, c.Handle(ctx, customer(2, types.CustomerStatusSuspended)))
	require.NoError(t, c.Handle(ctx, customer(1, types.CustomerStatusActive)))

	var r *models.CustomerReplica
	require.NoError(t, st.View(ctx, func(ctx context.Context, tx store.BillingTx) error {
		var err error
		r, err = tx.GetCustomerReplica(ctx, "cust-1")
		return err
	}))
	assert.Equal(t, types.CustomerStatusSuspended, r.Status)
	assert.EqualValues(t, 2, r.Version)
}

func TestMalformedEventIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	c, st := testAccountConsumer(t)
	bad := envelope(t, events.Meta{
		Topic: events.TopicSubscriptions, EntityType: events.EntitySubscription, EntityID: "sub-1",
		Version: 1, EventType: events.EventCreated, Source: events.SourceBilling,
	}, map[string]any{"subscriptionId": 42})

	require.NoError(t, c.Handle(ctx, bad), "a dead-lettered event is acknowledged")
	letters, total, err := c.ListDeadLetters(ctx, store.DeadLetterFilter{Status: models.DeadLetterStatusOpen})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, bad.ID, letters[0].EventID)
	assert.Equal(t, 1, letters[0].Attempts, "malformed payloads are not retried")

	_, err = c.Requeue(ctx, letters[0].ID)
	require.Error(t, err)
	again, err := st.GetDeadLetter(ctx, letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeadLetterStatusOpen, again.Status)

	require.NoError(t, c.Resolve(ctx, letters[0].ID))
	assert.ErrorIs(t, c.Resolve(ctx, letters[0].ID), apperr.ErrInvalidState)
	_, err = c.Requeue(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// flakyApplier fails a set number of times before delegating.
type flakyApplier struct {
	Applier
	failures atomic.Int32
}

func (f *flakyApplier) Apply(ctx context.Context, env *events.Envelope, admit AdmitFunc) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("database unavailable")
	}
	return f.Applier.Apply(ctx, env, admit)
}

func TestTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewAccount()
	flaky := &flakyApplier{Applier: NewAccountApplier(st, zap.NewNop().Sugar())}
	c, err := NewConsumer(flaky, st, testConsumerConfig(), zap.NewNop().Sugar(), metrics.NewNopBusiness())
	require.NoError(t, err)

	flaky.failures.Store(2)
	require.NoError(t, c.Handle(ctx, subscriptionEnv(t, 1, types.SubscriptionStatusActive, "basic", 1000)))
	assert.EqualValues(t, 1000, balanceOf(t, st, "cust-1").Available, "recovered within the retry budget")

	flaky.failures.Store(10)
	v2 := subscriptionEnv(t, 2, types.SubscriptionStatusActive, "pro", 5000)
	require.NoError(t, c.Handle(ctx, v2))
	letters, _, err := c.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 3, letters[0].Attempts)

	flaky.failures.Store(0)
	d, err := c.Requeue(ctx, letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeadLetterStatusRequeued, d.Status)
	assert.EqualValues(t, 5000, balanceOf(t, st, "cust-1").Available)

	_, err = c.Requeue(ctx, letters[0].ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestServiceLookup(t *testing.T) {
	a, _ := testAccountConsumer(t)
	b, _ := testBillingConsumer(t)
	s := NewServiceOf(a, b)
	assert.Equal(t, []string{events.SourceAccount, events.SourceBilling}, s.Authorities())
	got, err := s.Consumer(events.SourceBilling)
	require.NoError(t, err)
	assert.Same(t, b, got)
	_, err = s.Consumer("ledger")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
