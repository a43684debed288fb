package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/internal/store/memstore"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/types"
)

func newTestService(t *testing.T) (*Service, *memstore.Billing) {
	t.Helper()
	st := memstore.NewBilling()
	require.NoError(t, st.Atomic(context.Background(), func(ctx context.Context, tx store.BillingTx) error {
		for _, c := range []*models.CustomerReplica{
			{CustomerID: "c1", Status: types.CustomerStatusActive, Version: 1},
			{CustomerID: "c2", Status: types.CustomerStatusActive, Version: 1},
			{CustomerID: "frozen", Status: types.CustomerStatusSuspended, Version: 2},
		} {
			if err := tx.UpsertCustomerReplica(ctx, c); err != nil {
				return err
			}
		}
		for _, p := range []*models.Plan{
			testPlan("basic", types.PlanStatusDeployed, 1000),
			testPlan("pro", types.PlanStatusDeployed, 5000),
			testPlan("draft", types.PlanStatusDraft, 100),
		} {
			if err := tx.CreatePlan(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))
	return NewService(st, zap.NewNop().Sugar()), st
}

func testPlan(id string, status types.PlanStatus, tokens int64) *models.Plan {
	return &models.Plan{
		ID:           id,
		LineageID:    id,
		Name:         id,
		CustomerType: types.CustomerTypeBusiness,
		Price:        decimal.NewFromInt(10),
		Currency:     "USD",
		BillingCycle: types.BillingCycleMonthly,
		TokenConfig:  datatypes.NewJSONType(types.TokenConfig{MonthlyTokens: tokens}),
		IsActive:     true,
		Status:       status,
		Version:      1,
		Revision:     1,
	}
}

func subscriptionEvents(st *memstore.Billing) []*events.Envelope {
	var out []*events.Envelope
	for _, row := range st.OutboxEvents() {
		if row.Topic != events.TopicSubscriptions {
			continue
		}
		env, err := row.Envelope()
		if err == nil {
			out = append(out, env)
		}
	}
	return out
}

func TestCreateSubscription(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	sub, err := svc.CreateSubscription(ctx, "c1", "basic", "admin")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.EqualValues(t, 1000, sub.TokensIncluded)
	assert.EqualValues(t, 1000, sub.TokensRemaining)
	assert.EqualValues(t, 1, sub.Revision)
	assert.Equal(t, 1, sub.PlanVersion)

	evs := subscriptionEvents(st)
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventCreated, evs[0].EventType)
	assert.Equal(t, sub.ID, evs[0].EntityID)
	assert.EqualValues(t, 1, evs[0].Version)
	var payload events.SubscriptionEvent
	require.NoError(t, evs[0].Decode(&payload))
	assert.Nil(t, payload.PreviousPlan)
	assert.Empty(t, payload.PreviousStatus)
	assert.Equal(t, "basic", payload.NewPlan.ID)
	assert.EqualValues(t, 1000, payload.NewPlan.IncludedTokens)
	assert.Equal(t, "c1", payload.UserID)

	logs := st.SubscriptionLogs(sub.ID)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].Before.Data())
	assert.Equal(t, types.SubscriptionChangeReasonCreate, logs[0].Reason)
}

func TestCreateSubscriptionErrors(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	_, err := svc.CreateSubscription(ctx, "c1", "basic", "admin")
	require.NoError(t, err)

	tests := []struct {
		name       string
		customerID string
		planID     string
		want       error
	}{
		{"unknown customer", "ghost", "basic", apperr.ErrNotFound},
		{"suspended customer", "frozen", "basic", apperr.ErrInvalidState},
		{"unknown plan", "c1", "missing", apperr.ErrNotFound},
		{"draft plan", "c1", "draft", apperr.ErrInvalidState},
		{"active pair exists", "c1", "basic", apperr.ErrConflict},
		{"missing ids", "", "", apperr.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSubscription(ctx, tt.customerID, tt.planID, "admin")
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Len(t, subscriptionEvents(st), 1)
}

func TestConcurrentCreateOneWins(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	var (
		wg        sync.WaitGroup
		ok        atomic.Int32
		conflicts atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateSubscription(ctx, "c2", "pro", "admin")
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, apperr.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 15, conflicts.Load())
	assert.Len(t, subscriptionEvents(st), 1)
}

func TestUpdateSubscriptionPlanChange(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	sub, err := svc.CreateSubscription(ctx, "c1", "basic", "admin")
	require.NoError(t, err)

	pro := "pro"
	updated, err := svc.UpdateSubscription(ctx, sub.ID, SubscriptionUpdate{PlanID: &pro, UpdatedBy: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "pro", updated.PlanID)
	assert.EqualValues(t, 5000, updated.TokensIncluded)
	assert.EqualValues(t, 5000, updated.TokensRemaining)
	assert.Zero(t, updated.TokensRolledOver)
	assert.EqualValues(t, 2, updated.Revision)
	assert.Equal(t, "bob", updated.UpdatedBy)

	evs := subscriptionEvents(st)
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventUpdated, evs[1].EventType)
	assert.EqualValues(t, 2, evs[1].Version)
	var payload events.SubscriptionEvent
	require.NoError(t, evs[1].Decode(&payload))
	require.NotNil(t, payload.PreviousPlan)
	assert.Equal(t, "basic", payload.PreviousPlan.ID)
	assert.Equal(t, "pro", payload.NewPlan.ID)
	assert.Equal(t, types.SubscriptionStatusActive, payload.PreviousStatus)

	logs := st.SubscriptionLogs(sub.ID)
	require.Len(t, logs, 2)
	assert.Equal(t, types.SubscriptionChangeReasonPlanChange, logs[1].Reason)
	assert.Equal(t, "basic", logs[1].Before.Data().PlanID)
	assert.Equal(t, "pro", logs[1].After.Data().PlanID)

	draft := "draft"
	_, err = svc.UpdateSubscription(ctx, sub.ID, SubscriptionUpdate{PlanID: &draft})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	stale := int64(1)
	_, err = svc.UpdateSubscription(ctx, sub.ID, SubscriptionUpdate{PlanID: &pro, ExpectedRevision: &stale})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestUpdateSubscriptionStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	first, err := svc.CreateSubscription(ctx, "c1", "basic", "admin")
	require.NoError(t, err)

	paused := types.SubscriptionStatusPaused
	_, err = svc.UpdateSubscription(ctx, first.ID, SubscriptionUpdate{Status: &paused})
	require.NoError(t, err)

	second, err := svc.CreateSubscription(ctx, "c1", "basic", "admin")
	require.NoError(t, err)

	// reactivating the first would create a second ACTIVE pair
	active := types.SubscriptionStatusActive
	_, err = svc.UpdateSubscription(ctx, first.ID, SubscriptionUpdate{Status: &active})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	canceled := types.SubscriptionStatusCanceled
	_, err = svc.UpdateSubscription(ctx, second.ID, SubscriptionUpdate{Status: &canceled})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	past := first.StartDate.Add(-time.Hour)
	_, err = svc.UpdateSubscription(ctx, second.ID, SubscriptionUpdate{EndDate: &past})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	expired := types.SubscriptionStatusExpired
	_, err = svc.UpdateSubscription(ctx, first.ID, SubscriptionUpdate{Status: &expired})
	require.NoError(t, err)
	_, err = svc.UpdateSubscription(ctx, first.ID, SubscriptionUpdate{Status: &paused})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCancelSubscription(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	sub, err := svc.CreateSubscription(ctx, "c1", "basic", "admin")
	require.NoError(t, err)

	canceled, err := svc.CancelSubscription(ctx, sub.ID, "too expensive", "c1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusCanceled, canceled.Status)
	assert.NotNil(t, canceled.CanceledAt)
	assert.Equal(t, "too expensive", canceled.CancellationReason)

	evs := subscriptionEvents(st)
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventCanceled, evs[1].EventType)
	assert.Equal(t, "too expensive", evs[1].Reason)

	_, err = svc.CancelSubscription(ctx, sub.ID, "again", "c1")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Len(t, subscriptionEvents(st), 2)

	// the pair is free again
	_, err = svc.CreateSubscription(ctx, "c1", "basic", "admin")
	assert.NoError(t, err)

	_, err = svc.CancelSubscription(ctx, "missing", "", "c1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListSubscriptions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.CreateSubscription(ctx, "c1", "basic", "admin")
	require.NoError(t, err)
	_, err = svc.CreateSubscription(ctx, "c1", "pro", "admin")
	require.NoError(t, err)
	_, err = svc.CreateSubscription(ctx, "c2", "pro", "admin")
	require.NoError(t, err)

	subs, total, err := svc.ListSubscriptions(ctx, store.SubscriptionFilter{CustomerID: "c1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, subs, 2)
}
