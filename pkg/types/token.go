package types

import "github.com/shopspring/decimal"

type TokenTransactionType string

const (
	TokenTransactionPurchase   TokenTransactionType = "PURCHASE"
	TokenTransactionBonus      TokenTransactionType = "BONUS"
	TokenTransactionUsage      TokenTransactionType = "USAGE"
	TokenTransactionRefund     TokenTransactionType = "REFUND"
	TokenTransactionAdjustment TokenTransactionType = "ADJUSTMENT"
)

// TokenPackage is a purchasable bundle of tokens from the configured catalog.
type TokenPackage struct {
	ID       string          `json:"id" mapstructure:"id"`
	Name     string          `json:"name" mapstructure:"name"`
	Tokens   int64           `json:"tokens" mapstructure:"tokens"`
	Price    decimal.Decimal `json:"price" mapstructure:"price"`
	Currency string          `json:"currency" mapstructure:"currency"`
}
