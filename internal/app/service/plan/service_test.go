package plan

import (
	"context"
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
	"github.com/fatflowers/tokenbill/pkg/tool"
	"github.com/fatflowers/tokenbill/pkg/types"
)

func newTestService() (*Service, *memstore.Billing) {
	st := memstore.NewBilling()
	return NewService(st, zap.NewNop().Sugar()), st
}

func proRequest(name string) CreateRequest {
	return CreateRequest{
		Name:         name,
		CustomerType: types.CustomerTypeBusiness,
		Price:        decimal.RequireFromString("49.00"),
		Currency:     "usd",
		BillingCycle: types.BillingCycleMonthly,
		Features:     []string{"chat", "search"},
		TokenConfig:  types.TokenConfig{MonthlyTokens: 1000},
		CreatedBy:    "admin",
	}
}

func seedSubscription(t *testing.T, st *memstore.Billing, planID string, status types.SubscriptionStatus) {
	t.Helper()
	require.NoError(t, st.Atomic(context.Background(), func(ctx context.Context, tx store.BillingTx) error {
		return tx.CreateSubscription(ctx, &models.Subscription{
			ID:         tool.GenerateUUIDV7(),
			CustomerID: tool.GenerateUUIDV7(),
			PlanID:     planID,
			Status:     status,
			Revision:   1,
		})
	}))
}

func TestCreatePlan(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()

	p, err := svc.CreatePlan(ctx, proRequest("Pro"))
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusDraft, p.Status)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, p.ID, p.LineageID)
	assert.Equal(t, "USD", p.Currency)
	assert.True(t, p.IsActive)
	assert.True(t, p.IsVisible)

	rows := st.OutboxEvents()
	require.Len(t, rows, 1)
	assert.Equal(t, events.TopicPlans, rows[0].Topic)
	assert.Equal(t, events.EventCreated, rows[0].EventType)
	assert.EqualValues(t, 1, rows[0].Version)

	_, err = svc.CreatePlan(ctx, proRequest("pro"))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	other := proRequest("Pro")
	other.CustomerType = types.CustomerTypeIndividual
	_, err = svc.CreatePlan(ctx, other)
	assert.NoError(t, err)
}

func TestCreatePlanValidation(t *testing.T) {
	svc, _ := newTestService()
	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
	}{
		{"missing name", func(r *CreateRequest) { r.Name = " " }},
		{"negative price", func(r *CreateRequest) { r.Price = decimal.NewFromInt(-1) }},
		{"sub-cent price", func(r *CreateRequest) { r.Price = decimal.RequireFromString("1.005") }},
		{"bad currency", func(r *CreateRequest) { r.Currency = "dollars" }},
		{"bad cycle", func(r *CreateRequest) { r.BillingCycle = "WEEKLY" }},
		{"bad customer type", func(r *CreateRequest) { r.CustomerType = "ROBOT" }},
		{"negative tokens", func(r *CreateRequest) { r.TokenConfig.MonthlyTokens = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := proRequest("Valid")
			tt.mutate(&req)
			_, err := svc.CreatePlan(context.Background(), req)
			assert.ErrorIs(t, err, apperr.ErrBadRequest)
		})
	}
}

func TestUpdateDraftInPlace(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	p, err := svc.CreatePlan(ctx, proRequest("Pro"))
	require.NoError(t, err)

	price := decimal.RequireFromString("59.00")
	updated, err := svc.UpdatePlan(ctx, p.ID, PlanUpdate{Price: &price, Metadata: map[string]any{"tier": "gold"}, UpdatedBy: "bob"})
	require.NoError(t, err)
	assert.Equal(t, p.ID, updated.ID)
	assert.Equal(t, 1, updated.Version)
	assert.EqualValues(t, 2, updated.Revision)
	assert.True(t, price.Equal(updated.Price))
	assert.Equal(t, "gold", updated.Metadata["tier"])

	updated, err = svc.UpdatePlan(ctx, p.ID, PlanUpdate{Metadata: map[string]any{"tier": nil}})
	require.NoError(t, err)
	assert.NotContains(t, updated.Metadata, "tier")

	stale := int64(1)
	_, err = svc.UpdatePlan(ctx, p.ID, PlanUpdate{Price: &price, ExpectedRevision: &stale})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestVersioning(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()
	v1, err := svc.CreatePlan(ctx, proRequest("Pro"))
	require.NoError(t, err)
	_, err = svc.DeployPlan(ctx, v1.ID, "admin")
	require.NoError(t, err)

	price := decimal.RequireFromString("59.00")
	v2, err := svc.UpdatePlan(ctx, v1.ID, PlanUpdate{Price: &price, UpdatedBy: "bob"})
	require.NoError(t, err)
	assert.NotEqual(t, v1.ID, v2.ID)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, types.PlanStatusDraft, v2.Status)
	require.NotNil(t, v2.PreviousVersionID)
	assert.Equal(t, v1.ID, *v2.PreviousVersionID)
	assert.Equal(t, v1.LineageID, v2.LineageID)
	assert.Nil(t, v2.DeployedAt)
	assert.Empty(t, v2.DeployedBy)

	// the deployed version is untouched
	orig, err := svc.GetPlan(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusDeployed, orig.Status)
	assert.True(t, orig.Price.Equal(decimal.RequireFromString("49.00")))

	// a second edit of v1 skips past v2
	v3, err := svc.UpdatePlan(ctx, v1.ID, PlanUpdate{Price: &price})
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)

	chain, err := svc.GetPlanLineage(ctx, v2.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, v2.ID, chain[0].ID)
	assert.Equal(t, v1.ID, chain[1].ID)

	var created int
	for _, row := range st.OutboxEvents() {
		if row.EventType == events.EventCreated {
			created++
		}
	}
	assert.Equal(t, 3, created)
}

func TestUpdateArchivedResetsFlags(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	p, err := svc.CreatePlan(ctx, proRequest("Pro"))
	require.NoError(t, err)
	_, err = svc.DeployPlan(ctx, p.ID, "admin")
	require.NoError(t, err)
	_, err = svc.ArchivePlan(ctx, p.ID, ArchiveRequest{Reason: "retired", ArchivedBy: "admin"})
	require.NoError(t, err)

	desc := "revived"
	next, err := svc.UpdatePlan(ctx, p.ID, PlanUpdate{Description: &desc})
	require.NoError(t, err)
	assert.True(t, next.IsActive)
	assert.True(t, next.IsVisible)
	assert.NotContains(t, next.Metadata, metaArchiveReason)
}

func TestDeployGuards(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	inactive := proRequest("Hidden")
	off := false
	inactive.IsActive = &off
	p, err := svc.CreatePlan(ctx, inactive)
	require.NoError(t, err)
	_, err = svc.DeployPlan(ctx, p.ID, "admin")
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Contains(t, err.Error(), "isActive=false")

	q, err := svc.CreatePlan(ctx, proRequest("Pro"))
	require.NoError(t, err)
	deployed, err := svc.DeployPlan(ctx, q.ID, "admin")
	require.NoError(t, err)
	assert.NotNil(t, deployed.DeployedAt)
	assert.Equal(t, "admin", deployed.DeployedBy)

	_, err = svc.DeployPlan(ctx, q.ID, "admin")
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Contains(t, err.Error(), "DEPLOYED")

	_, err = svc.DeployPlan(ctx, "missing", "admin")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestArchiveRequiresReplacement(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()
	p, err := svc.CreatePlan(ctx, proRequest("Pro"))
	require.NoError(t, err)
	_, err = svc.DeployPlan(ctx, p.ID, "admin")
	require.NoError(t, err)
	seedSubscription(t, st, p.ID, types.SubscriptionStatusActive)
	seedSubscription(t, st, p.ID, types.SubscriptionStatusActive)
	seedSubscription(t, st, p.ID, types.SubscriptionStatusCanceled)

	_, err = svc.ArchivePlan(ctx, p.ID, ArchiveRequest{Reason: "retired"})
	require.ErrorIs(t, err, apperr.ErrBadRequest)
	assert.Contains(t, err.Error(), "2 active subscriptions")

	_, err = svc.ArchivePlan(ctx, p.ID, ArchiveRequest{ReplacementPlanID: p.ID})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	draft, err := svc.CreatePlan(ctx, proRequest("Pro Plus"))
	require.NoError(t, err)
	_, err = svc.ArchivePlan(ctx, p.ID, ArchiveRequest{ReplacementPlanID: draft.ID})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = svc.DeployPlan(ctx, draft.ID, "admin")
	require.NoError(t, err)
	archived, err := svc.ArchivePlan(ctx, p.ID, ArchiveRequest{Reason: "retired", ReplacementPlanID: draft.ID, ArchivedBy: "admin"})
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusArchived, archived.Status)
	assert.False(t, archived.IsActive)
	assert.False(t, archived.IsVisible)
	assert.NotNil(t, archived.ArchivedAt)
	assert.Equal(t, "retired", archived.Metadata[metaArchiveReason])
	assert.Equal(t, draft.ID, archived.Metadata[metaReplacementPlanID])

	_, err = svc.ArchivePlan(ctx, p.ID, ArchiveRequest{})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestDeletePlan(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()

	draft, err := svc.CreatePlan(ctx, proRequest("Scratch"))
	require.NoError(t, err)
	deleted, err := svc.DeletePlan(ctx, draft.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusDeleted, deleted.Status)
	assert.NotNil(t, deleted.DeletedAt)

	// the name is free again once the only holder is deleted
	_, err = svc.CreatePlan(ctx, proRequest("Scratch"))
	require.NoError(t, err)

	_, err = svc.UpdatePlan(ctx, draft.ID, PlanUpdate{Description: new(string)})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	live, err := svc.CreatePlan(ctx, proRequest("Live"))
	require.NoError(t, err)
	_, err = svc.DeployPlan(ctx, live.ID, "admin")
	require.NoError(t, err)
	_, err = svc.DeletePlan(ctx, live.ID, "admin")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	used, err := svc.CreatePlan(ctx, proRequest("Used"))
	require.NoError(t, err)
	seedSubscription(t, st, used.ID, types.SubscriptionStatusCanceled)
	_, err = svc.DeletePlan(ctx, used.ID, "admin")
	assert.ErrorIs(t, err, ErrPlanInUse)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestDuplicatePlan(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	src, err := svc.CreatePlan(ctx, proRequest("Pro"))
	require.NoError(t, err)
	_, err = svc.DeployPlan(ctx, src.ID, "admin")
	require.NoError(t, err)

	dup, err := svc.DuplicatePlan(ctx, src.ID, "Pro Copy", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, dup.ID)
	assert.Equal(t, dup.ID, dup.LineageID)
	assert.Equal(t, 1, dup.Version)
	assert.Nil(t, dup.PreviousVersionID)
	assert.Equal(t, types.PlanStatusDraft, dup.Status)
	assert.Equal(t, src.ID, dup.Metadata[metaDuplicatedFrom])
	assert.Equal(t, []string{"chat", "search"}, []string(dup.Features))

	_, err = svc.DuplicatePlan(ctx, src.ID, "PRO", "bob")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = svc.DuplicatePlan(ctx, src.ID, "", "bob")
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
}

func TestGetPlanAnalytics(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()
	p, err := svc.CreatePlan(ctx, proRequest("Pro"))
	require.NoError(t, err)
	seedSubscription(t, st, p.ID, types.SubscriptionStatusActive)
	seedSubscription(t, st, p.ID, types.SubscriptionStatusTrial)
	seedSubscription(t, st, p.ID, types.SubscriptionStatusCanceled)
	before := len(st.OutboxEvents())

	a, err := svc.GetPlanAnalytics(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, a.TotalSubscriptions)
	assert.EqualValues(t, 1, a.ActiveSubscriptions)
	assert.EqualValues(t, 2000, a.TokensIncluded)

	got, err := svc.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Revision)
	assert.EqualValues(t, 3, got.Analytics.Data().TotalSubscriptions)
	assert.Len(t, st.OutboxEvents(), before)
}
