package types

import (
	"maps"
	"time"
)

type PlanStatus string

const (
	PlanStatusDraft    PlanStatus = "DRAFT"
	PlanStatusDeployed PlanStatus = "DEPLOYED"
	PlanStatusArchived PlanStatus = "ARCHIVED"
	PlanStatusDeleted  PlanStatus = "DELETED"
)

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "MONTHLY"
	BillingCycleYearly  BillingCycle = "YEARLY"
)

func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

type RolloverRule struct {
	Enabled   bool  `json:"enabled"`
	MaxTokens int64 `json:"max_tokens"`
}

// TokenConfig describes the token allowance a plan grants per billing period.
type TokenConfig struct {
	MonthlyTokens int64            `json:"monthly_tokens"`
	Rollover      RolloverRule     `json:"rollover"`
	FeatureRates  map[string]int64 `json:"feature_rates,omitempty"`
}

func (c TokenConfig) Clone() TokenConfig {
	c.FeatureRates = maps.Clone(c.FeatureRates)
	return c
}

type PlanLimits struct {
	MaxUsers     int `json:"max_users"`
	MaxProjects  int `json:"max_projects"`
	APIRateLimit int `json:"api_rate_limit"`
}

// PlanAnalytics is a derived snapshot recomputed from subscriptions on demand.
type PlanAnalytics struct {
	TotalSubscriptions    int64                        `json:"total_subscriptions"`
	ActiveSubscriptions   int64                        `json:"active_subscriptions"`
	SubscriptionsByStatus map[SubscriptionStatus]int64 `json:"subscriptions_by_status,omitempty"`
	TokensIncluded        int64                        `json:"tokens_included"`
	ComputedAt            *time.Time                   `json:"computed_at,omitempty"`
}

func (a PlanAnalytics) Clone() PlanAnalytics {
	a.SubscriptionsByStatus = maps.Clone(a.SubscriptionsByStatus)
	return a
}
