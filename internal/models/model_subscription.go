package models

import (
	"time"

	"github.com/fatflowers/tokenbill/pkg/types"
)

// Subscription binds a customer to a deployed plan version. The token fields
// are a local cache; the account ledger is authoritative for balances.
type Subscription struct {
	ID string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	// At most one ACTIVE row per (customer_id, plan_id), enforced by a partial unique index.
	CustomerID  string                   `gorm:"column:customer_id;type:varchar(64);not null;index;uniqueIndex:idx_subscription_active_pair,priority:1,where:status = 'ACTIVE'" json:"customer_id"`
	PlanID      string                   `gorm:"column:plan_id;type:uuid;not null;index;uniqueIndex:idx_subscription_active_pair,priority:2,where:status = 'ACTIVE'" json:"plan_id"`
	PlanVersion int                      `gorm:"column:plan_version;not null" json:"plan_version"`
	Status      types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`

	TokensIncluded   int64 `gorm:"column:tokens_included;not null" json:"tokens_included"`
	TokensUsed       int64 `gorm:"column:tokens_used;not null" json:"tokens_used"`
	TokensRemaining  int64 `gorm:"column:tokens_remaining;not null" json:"tokens_remaining"`
	TokensRolledOver int64 `gorm:"column:tokens_rolled_over;not null" json:"tokens_rolled_over"`

	StartDate          time.Time  `gorm:"column:start_date;not null" json:"start_date"`
	EndDate            *time.Time `gorm:"column:end_date" json:"end_date"`
	CanceledAt         *time.Time `gorm:"column:canceled_at" json:"canceled_at"`
	CancellationReason string     `gorm:"column:cancellation_reason;type:text" json:"cancellation_reason"`

	CreatedBy string    `gorm:"column:created_by;type:varchar(128)" json:"created_by"`
	UpdatedBy string    `gorm:"column:updated_by;type:varchar(128)" json:"updated_by"`
	Revision  int64     `gorm:"column:revision;not null" json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// ResetTokens baselines the cached token counters to a fresh allocation.
func (s *Subscription) ResetTokens(included int64) {
	s.TokensIncluded = included
	s.TokensUsed = 0
	s.TokensRemaining = included
	s.TokensRolledOver = 0
}
