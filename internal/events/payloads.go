package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/tokenbill/pkg/types"
)

// PlanData is the full plan snapshot carried by plan events.
type PlanData struct {
	ID                string             `json:"id"`
	LineageID         string             `json:"lineageId"`
	Name              string             `json:"name"`
	Description       string             `json:"description"`
	CustomerType      types.CustomerType `json:"customerType"`
	Price             decimal.Decimal    `json:"price"`
	Currency          string             `json:"currency"`
	BillingCycle      types.BillingCycle `json:"billingCycle"`
	Features          []string           `json:"features"`
	TokenConfig       types.TokenConfig  `json:"tokenConfig"`
	Limits            types.PlanLimits   `json:"limits"`
	IsActive          bool               `json:"isActive"`
	IsVisible         bool               `json:"isVisible"`
	Status            types.PlanStatus   `json:"status"`
	Version           int                `json:"version"`
	PreviousVersionID *string            `json:"previousVersionId,omitempty"`
	DeployedAt        *time.Time         `json:"deployedAt,omitempty"`
	DeployedBy        string             `json:"deployedBy,omitempty"`
	ArchivedAt        *time.Time         `json:"archivedAt,omitempty"`
	DeletedAt         *time.Time         `json:"deletedAt,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
	Revision          int64              `json:"revision"`
}

func (p PlanData) IncludedTokens() int64 { return p.TokenConfig.MonthlyTokens }

type PlanEvent struct {
	PlanID      string    `json:"planId"`
	EventType   EventType `json:"eventType"`
	PlanData    PlanData  `json:"planData"`
	Timestamp   time.Time `json:"timestamp"`
	TriggeredBy string    `json:"triggeredBy"`
	Reason      string    `json:"reason,omitempty"`
}

// PlanRef is the slice of a plan a subscription event needs.
type PlanRef struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Version        int    `json:"version"`
	IncludedTokens int64  `json:"includedTokens"`
}

type SubscriptionEvent struct {
	SubscriptionID string                   `json:"subscriptionId"`
	UserID         string                   `json:"userId"`
	EntityID       string                   `json:"entityId"`
	EntityType     EntityType               `json:"entityType"`
	PreviousPlan   *PlanRef                 `json:"previousPlan,omitempty"`
	NewPlan        PlanRef                  `json:"newPlan"`
	PreviousStatus types.SubscriptionStatus `json:"previousStatus,omitempty"`
	NewStatus      types.SubscriptionStatus `json:"newStatus"`
	StartDate      time.Time                `json:"startDate"`
	EndDate        *time.Time               `json:"endDate,omitempty"`
	ChangedBy      string                   `json:"changedBy"`
	Timestamp      time.Time                `json:"timestamp"`
	TokensIncluded int64                    `json:"tokensIncluded"`
}

type TokenPurchaseEvent struct {
	CustomerID      string          `json:"customerId"`
	TokensPurchased int64           `json:"tokensPurchased"`
	PackageID       string          `json:"packageId"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency"`
	PurchasedBy     string          `json:"purchasedBy"`
	TransactionID   string          `json:"transactionId"`
	Timestamp       time.Time       `json:"timestamp"`
}

type TokenAllocatedEvent struct {
	CustomerID      string    `json:"customerId"`
	TokensAllocated int64     `json:"tokensAllocated"`
	AllocatedBy     string    `json:"allocatedBy"`
	Reason          string    `json:"reason"`
	TransactionID   string    `json:"transactionId"`
	Timestamp       time.Time `json:"timestamp"`
}

type CustomerEvent struct {
	CustomerID   string               `json:"customerId"`
	Name         string               `json:"name"`
	Email        string               `json:"email"`
	CustomerType types.CustomerType   `json:"customerType"`
	Status       types.CustomerStatus `json:"status"`
	Timestamp    time.Time            `json:"timestamp"`
}

type InvoiceCreated struct {
	InvoiceID      string          `json:"invoiceId"`
	CustomerID     string          `json:"customerId"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	DueDate        *time.Time      `json:"dueDate,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

type InvoiceStatusChanged struct {
	InvoiceID      string              `json:"invoiceId"`
	CustomerID     string              `json:"customerId"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	PreviousStatus types.InvoiceStatus `json:"previousStatus"`
	NewStatus      types.InvoiceStatus `json:"newStatus"`
	Timestamp      time.Time           `json:"timestamp"`
}

type PaymentReceived struct {
	PaymentID  string          `json:"paymentId"`
	InvoiceID  string          `json:"invoiceId"`
	CustomerID string          `json:"customerId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Timestamp  time.Time       `json:"timestamp"`
}
