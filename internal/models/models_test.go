package models

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/pkg/types"
)

func TestTableNames(t *testing.T) {
	tests := []struct {
		m    interface{ TableName() string }
		want string
	}{
		{Plan{}, "plan"},
		{Subscription{}, "subscription"},
		{SubscriptionLog{}, "subscription_log"},
		{Customer{}, "customer"},
		{CustomerReplica{}, "customer_replica"},
		{TokenTransaction{}, "token_transaction"},
		{TokenBalance{}, "token_balance"},
		{SubscriptionGrant{}, "subscription_grant"},
		{PlanReplica{}, "plan_replica"},
		{OutboxEvent{}, "outbox_event"},
		{AppliedVersion{}, "applied_version"},
		{ProcessedEvent{}, "processed_event"},
		{DeadLetter{}, "dead_letter"},
		{EventLog{}, "event_log"},
		{Invoice{}, "invoice"},
		{Payment{}, "payment"},
		{TokenPurchaseRecord{}, "token_purchase_record"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.m.TableName())
	}
}

func testPlan() *Plan {
	prev := "p0"
	return &Plan{
		ID:                "p1",
		LineageID:         "p0",
		Name:              "Pro",
		CustomerType:      types.CustomerTypeBusiness,
		Price:             decimal.RequireFromString("49.00"),
		Currency:          "USD",
		BillingCycle:      types.BillingCycleMonthly,
		Features:          pq.StringArray{"sso"},
		TokenConfig:       datatypes.NewJSONType(types.TokenConfig{MonthlyTokens: 5000, FeatureRates: map[string]int64{"chat": 2}}),
		Metadata:          datatypes.JSONMap{"tier": "gold"},
		Status:            types.PlanStatusDeployed,
		Version:           2,
		PreviousVersionID: &prev,
		Revision:          4,
	}
}

func TestPlanCloneIsDeep(t *testing.T) {
	p := testPlan()
	cp := p.Clone()
	cp.Features[0] = "saml"
	cp.Metadata["tier"] = "silver"
	cp.TokenConfig.Data().FeatureRates["chat"] = 9
	*cp.PreviousVersionID = "other"

	assert.Equal(t, "sso", p.Features[0])
	assert.Equal(t, "gold", p.Metadata["tier"])
	assert.Equal(t, int64(2), p.TokenConfig.Data().FeatureRates["chat"])
	assert.Equal(t, "p0", *p.PreviousVersionID)
}

func TestPlanSnapshotAndRef(t *testing.T) {
	p := testPlan()
	snap := p.Snapshot()
	assert.Equal(t, "p1", snap.ID)
	assert.Equal(t, int64(5000), snap.IncludedTokens())
	assert.Equal(t, int64(4), snap.Revision)
	assert.True(t, p.Price.Equal(snap.Price))

	ref := p.Ref()
	assert.Equal(t, events.PlanRef{ID: "p1", Name: "Pro", Version: 2, IncludedTokens: 5000}, ref)

	replica := NewPlanReplica(snap)
	assert.Equal(t, "p1", replica.PlanID)
	assert.Equal(t, int64(5000), replica.IncludedTokens)
	assert.Equal(t, types.PlanStatusDeployed, replica.Status)
}

func TestNewOutboxEventRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env, err := events.New(events.Meta{
		Topic: events.TopicPlans, EntityType: events.EntityPlan, EntityID: "p1", Version: 1,
		EventType: events.EventCreated, TriggeredBy: "admin", Source: events.SourceBilling,
	}, events.PlanEvent{PlanID: "p1", EventType: events.EventCreated}, at)
	require.NoError(t, err)

	row, err := NewOutboxEvent(env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, row.ID)
	assert.Equal(t, OutboxStatusPending, row.Status)
	assert.True(t, at.Equal(row.NextAttemptAt))

	back, err := row.Envelope()
	require.NoError(t, err)
	assert.Equal(t, env.ID, back.ID)
	assert.Equal(t, env.Version, back.Version)
}

func TestSubscriptionResetTokens(t *testing.T) {
	s := &Subscription{TokensIncluded: 10, TokensUsed: 4, TokensRemaining: 6, TokensRolledOver: 3}
	s.ResetTokens(100)
	assert.Equal(t, int64(100), s.TokensIncluded)
	assert.Equal(t, int64(0), s.TokensUsed)
	assert.Equal(t, int64(100), s.TokensRemaining)
	assert.Equal(t, int64(0), s.TokensRolledOver)
}

func TestInvoiceOutstanding(t *testing.T) {
	inv := &Invoice{Amount: decimal.RequireFromString("100.00"), AmountPaid: decimal.RequireFromString("40.50")}
	assert.True(t, decimal.RequireFromString("59.50").Equal(inv.Outstanding()))
}
