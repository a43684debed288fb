package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/tokenbill/pkg/types"
)

type Invoice struct {
	ID             string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	CustomerID     string              `gorm:"column:customer_id;type:varchar(64);not null;index" json:"customer_id"`
	SubscriptionID *string             `gorm:"column:subscription_id;type:uuid" json:"subscription_id"`
	Amount         decimal.Decimal     `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	AmountPaid     decimal.Decimal     `gorm:"column:amount_paid;type:numeric(12,2);not null" json:"amount_paid"`
	Currency       string              `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	Status         types.InvoiceStatus `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	DueDate        *time.Time          `gorm:"column:due_date" json:"due_date"`
	PaidAt         *time.Time          `gorm:"column:paid_at" json:"paid_at"`
	CreatedBy      string              `gorm:"column:created_by;type:varchar(128)" json:"created_by"`
	UpdatedBy      string              `gorm:"column:updated_by;type:varchar(128)" json:"updated_by"`
	Revision       int64               `gorm:"column:revision;not null" json:"revision"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoice"
}

func (i *Invoice) Outstanding() decimal.Decimal {
	return i.Amount.Sub(i.AmountPaid)
}

type Payment struct {
	ID         string          `gorm:"column:id;type:uuid;primary_key" json:"id"`
	InvoiceID  string          `gorm:"column:invoice_id;type:uuid;not null;index" json:"invoice_id"`
	CustomerID string          `gorm:"column:customer_id;type:varchar(64);not null;index" json:"customer_id"`
	Amount     decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	Currency   string          `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	ReceivedAt time.Time       `gorm:"column:received_at;not null" json:"received_at"`
	RecordedBy string          `gorm:"column:recorded_by;type:varchar(128)" json:"recorded_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (Payment) TableName() string {
	return "payment"
}
