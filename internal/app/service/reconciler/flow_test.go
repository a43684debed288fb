package reconciler

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/app/service/customer"
	"github.com/fatflowers/tokenbill/internal/app/service/outbox"
	"github.com/fatflowers/tokenbill/internal/app/service/subscription"
	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/platform/broker"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/internal/store/memstore"
	"github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/metrics"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// syncPublisher delivers straight into a router so a dispatch pass is
// fully applied when DispatchOnce returns.
type syncPublisher struct{ r *broker.Router }

func (p syncPublisher) Publish(ctx context.Context, env *events.Envelope) error {
	return p.r.Dispatch(ctx, env)
}

func TestCustomerToGrantFlow(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()
	m := metrics.NewNopBusiness()
	billing, account := memstore.NewBilling(), memstore.NewAccount()

	router := broker.NewRouter(log)
	bc, err := NewConsumer(NewBillingApplier(billing, log), billing, testConsumerConfig(), log, m)
	require.NoError(t, err)
	ac, err := NewConsumer(NewAccountApplier(account, log), account, testConsumerConfig(), log, m)
	require.NoError(t, err)
	Subscribe(router, NewServiceOf(bc, ac), log)

	ocfg := config.OutboxConfig{BatchSize: 50, MaxAttempts: 3, Parallelism: 2}
	billingOut := outbox.NewDispatcher(events.SourceBilling, billing, syncPublisher{router}, ocfg, log, m)
	accountOut := outbox.NewDispatcher(events.SourceAccount, account, syncPublisher{router}, ocfg, log, m)

	require.NoError(t, billing.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		return tx.CreatePlan(ctx, &models.Plan{
			ID: "basic", LineageID: "basic", Name: "Basic", CustomerType: types.CustomerTypeBusiness,
			Price: decimal.NewFromInt(10), Currency: "USD", BillingCycle: types.BillingCycleMonthly,
			TokenConfig: datatypes.NewJSONType(types.TokenConfig{MonthlyTokens: 1000}),
			IsActive:    true, Status: types.PlanStatusDeployed, Version: 1, Revision: 1,
		})
	}))

	cust, err := customer.NewService(account, log).CreateCustomer(ctx, customer.CreateRequest{
		ID: "cust-1", Name: "Ada", Email: "ada@example.com", CustomerType: types.CustomerTypeBusiness, CreatedBy: "ops",
	})
	require.NoError(t, err)

	subs := subscription.NewService(billing, log)
	_, err = subs.CreateSubscription(ctx, cust.ID, "basic", "ops")
	require.Error(t, err, "billing has not seen the customer yet")

	sent, err := accountOut.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sub, err := subs.CreateSubscription(ctx, cust.ID, "basic", "ops")
	require.NoError(t, err)
	_, err = billingOut.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, balanceOf(t, account, cust.ID).Available)

	_, err = subs.CancelSubscription(ctx, sub.ID, "downgrade", "ops")
	require.NoError(t, err)
	_, err = billingOut.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, balanceOf(t, account, cust.ID).Available)

	stats, err := billing.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Dead)
	letters, _, err := ac.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Empty(t, letters)
}
