package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/tokenbill/pkg/types"
)

// TokenTransaction is one immutable entry of a customer's token ledger.
type TokenTransaction struct {
	ID         string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	CustomerID string `gorm:"column:customer_id;type:varchar(64);not null;uniqueIndex:idx_token_tx_customer_seq,priority:1" json:"customer_id"`
	// Seq is the per-customer position in the ledger, starting at 1.
	Seq  int64                      `gorm:"column:seq;not null;uniqueIndex:idx_token_tx_customer_seq,priority:2" json:"seq"`
	Type types.TokenTransactionType `gorm:"column:type;type:varchar(16);not null" json:"type"`
	// Amount is positive for credits and USAGE; ADJUSTMENT carries its sign.
	Amount int64 `gorm:"column:amount;not null" json:"amount"`
	// Balance is the available balance right after this entry.
	Balance    int64      `gorm:"column:balance;not null" json:"balance"`
	OccurredAt time.Time  `gorm:"column:occurred_at;not null" json:"timestamp"`
	ExpiryDate *time.Time `gorm:"column:expiry_date" json:"expiry_date,omitempty"`
	Actor      string     `gorm:"column:actor;type:varchar(128)" json:"actor"`
	Reason     string     `gorm:"column:reason;type:text" json:"reason,omitempty"`
	// Reference links the entry to its origin, e.g. subscription:<id> or package:<id>.
	Reference string              `gorm:"column:reference;type:varchar(128);index" json:"reference,omitempty"`
	Price     decimal.NullDecimal `gorm:"column:price;type:numeric(12,2)" json:"price"`
	Currency  string              `gorm:"column:currency;type:varchar(8)" json:"currency,omitempty"`
	Feature   string              `gorm:"column:feature;type:varchar(64)" json:"feature,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

func (TokenTransaction) TableName() string {
	return "token_transaction"
}

// TokenBalance is the materialized fold of a customer's ledger.
type TokenBalance struct {
	CustomerID  string    `gorm:"column:customer_id;type:varchar(64);primary_key" json:"customer_id"`
	Allocated   int64     `gorm:"column:allocated;not null" json:"allocated"`
	Used        int64     `gorm:"column:used;not null" json:"used"`
	Available   int64     `gorm:"column:available;not null" json:"available"`
	Seq         int64     `gorm:"column:seq;not null" json:"seq"`
	LastUpdated time.Time `gorm:"column:last_updated" json:"last_updated"`
}

func (TokenBalance) TableName() string {
	return "token_balance"
}

// SubscriptionGrant remembers how many plan tokens the account side has
// granted for a subscription so a later event only applies the difference.
type SubscriptionGrant struct {
	SubscriptionID string                   `gorm:"column:subscription_id;type:varchar(64);primary_key" json:"subscription_id"`
	CustomerID     string                   `gorm:"column:customer_id;type:varchar(64);not null;index" json:"customer_id"`
	PlanID         string                   `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	GrantedTokens  int64                    `gorm:"column:granted_tokens;not null" json:"granted_tokens"`
	Status         types.SubscriptionStatus `gorm:"column:status;type:varchar(32)" json:"status"`
	LastVersion    int64                    `gorm:"column:last_version;not null" json:"last_version"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

func (SubscriptionGrant) TableName() string {
	return "subscription_grant"
}

// TokenPurchaseRecord is billing's bookkeeping row for an inbound token purchase or allocation.
type TokenPurchaseRecord struct {
	ID            string                     `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventID       string                     `gorm:"column:event_id;type:varchar(64);not null;uniqueIndex" json:"event_id"`
	CustomerID    string                     `gorm:"column:customer_id;type:varchar(64);not null;index" json:"customer_id"`
	Kind          types.TokenTransactionType `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	Tokens        int64                      `gorm:"column:tokens;not null" json:"tokens"`
	PackageID     string                     `gorm:"column:package_id;type:varchar(64)" json:"package_id,omitempty"`
	Price         decimal.NullDecimal        `gorm:"column:price;type:numeric(12,2)" json:"price"`
	Currency      string                     `gorm:"column:currency;type:varchar(8)" json:"currency,omitempty"`
	TransactionID string                     `gorm:"column:transaction_id;type:varchar(64)" json:"transaction_id"`
	Actor         string                     `gorm:"column:actor;type:varchar(128)" json:"actor"`
	Reason        string                     `gorm:"column:reason;type:text" json:"reason,omitempty"`
	OccurredAt    time.Time                  `gorm:"column:occurred_at;not null" json:"occurred_at"`
	CreatedAt     time.Time                  `json:"created_at"`
}

func (TokenPurchaseRecord) TableName() string {
	return "token_purchase_record"
}
