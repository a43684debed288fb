// Package store declares the persistence contracts of both authorities. Every
// mutation runs inside Atomic, which commits or rolls back as a unit; View runs
// reads without a transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/pkg/types"
)

var (
	ErrNotFound = errors.New("store: record not found")
	// ErrRevisionConflict is returned when a compare-and-swap update finds a newer revision.
	ErrRevisionConflict = errors.New("store: revision conflict")
	ErrDuplicate        = errors.New("store: duplicate key")
)

// Inbox is the consumer-side bookkeeping every authority keeps in the same
// transaction as the effects of an inbound event.
type Inbox interface {
	// AppliedVersion returns the watermark for an entity, 0 when none is stored.
	AppliedVersion(ctx context.Context, entityType events.EntityType, entityID string) (int64, error)
	// AdvanceVersion moves the watermark to v.Version if that is newer and
	// reports whether it moved. The row stays locked until the transaction
	// ends, so concurrent deliveries of one entity apply one at a time.
	AdvanceVersion(ctx context.Context, v *models.AppliedVersion) (bool, error)
	// MarkProcessed records a fact event id and reports false if it was already recorded.
	MarkProcessed(ctx context.Context, eventID string, topic events.Topic, at time.Time) (bool, error)
}

// Enqueuer appends envelopes to the authority's outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, e *models.OutboxEvent) error
}

// Outbox is the dispatcher's view of the outbox table.
type Outbox interface {
	// ClaimDue returns up to limit pending rows due at now and hides them from
	// other claimers until now+lease.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error)
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt; dead moves the row out of the pending set.
	MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string, dead bool) error
	OutboxStats(ctx context.Context) (*models.OutboxStats, error)
}

type DeadLetterFilter struct {
	Status models.DeadLetterStatus
	Offset int
	Limit  int
}

type DeadLetters interface {
	AddDeadLetter(ctx context.Context, d *models.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*models.DeadLetter, int64, error)
	SetDeadLetterStatus(ctx context.Context, id string, status models.DeadLetterStatus, lastErr string, at time.Time) error
	SaveEventLog(ctx context.Context, l *models.EventLog) error
}

// Infra is what the generic outbox and reconciler machinery needs from an authority.
type Infra interface {
	Outbox
	DeadLetters
}

type PlanFilter struct {
	Status         types.PlanStatus
	CustomerType   types.CustomerType
	LineageID      string
	IncludeDeleted bool
	Offset         int
	Limit          int
}

type SubscriptionFilter struct {
	CustomerID string
	PlanID     string
	Status     types.SubscriptionStatus
	Offset     int
	Limit      int
}

// BillingTx is the billing authority's data surface inside a transaction.
type BillingTx interface {
	Inbox
	Enqueuer

	// LockPlanName serializes writers of one (name, customerType) pair until the transaction ends.
	LockPlanName(ctx context.Context, name string, customerType types.CustomerType) error
	GetPlan(ctx context.Context, id string, forUpdate bool) (*models.Plan, error)
	// FindPlansByName returns non-deleted plans whose name matches case-insensitively.
	FindPlansByName(ctx context.Context, name string, customerType types.CustomerType) ([]*models.Plan, error)
	ListPlans(ctx context.Context, f PlanFilter) ([]*models.Plan, int64, error)
	CreatePlan(ctx context.Context, p *models.Plan) error
	// UpdatePlan writes p only if the stored revision still equals expectedRevision.
	UpdatePlan(ctx context.Context, p *models.Plan, expectedRevision int64) error
	SavePlanAnalytics(ctx context.Context, id string, a types.PlanAnalytics) error

	GetSubscription(ctx context.Context, id string, forUpdate bool) (*models.Subscription, error)
	FindActiveSubscription(ctx context.Context, customerID, planID string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]*models.Subscription, int64, error)
	CountSubscriptionsByStatus(ctx context.Context, planID string) (map[types.SubscriptionStatus]int64, error)
	CreateSubscription(ctx context.Context, s *models.Subscription) error
	UpdateSubscription(ctx context.Context, s *models.Subscription, expectedRevision int64) error
	AddSubscriptionLog(ctx context.Context, l *models.SubscriptionLog) error

	GetCustomerReplica(ctx context.Context, customerID string) (*models.CustomerReplica, error)
	UpsertCustomerReplica(ctx context.Context, c *models.CustomerReplica) error
	AddTokenPurchaseRecord(ctx context.Context, r *models.TokenPurchaseRecord) error

	CreateInvoice(ctx context.Context, inv *models.Invoice) error
	GetInvoice(ctx context.Context, id string, forUpdate bool) (*models.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *models.Invoice, expectedRevision int64) error
	CreatePayment(ctx context.Context, p *models.Payment) error
}

// StatPoint is one row of a statistics series.
type StatPoint struct {
	Date  string          `json:"date"`
	Label string          `json:"label,omitempty"`
	Value decimal.Decimal `json:"value"`
}

// BillingAnalytics are read-only aggregate queries over billing data.
type BillingAnalytics interface {
	DailyTokenPurchases(ctx context.Context, from, to time.Time) ([]StatPoint, error)
	DailyTokenGMV(ctx context.Context, from, to time.Time) ([]StatPoint, error)
	MonthlyRevenue(ctx context.Context, from, to time.Time) ([]StatPoint, error)
	ActiveSubscriptionsByPlan(ctx context.Context) ([]StatPoint, error)
	InvoiceStatusCounts(ctx context.Context) ([]StatPoint, error)
}

type BillingStore interface {
	Infra
	BillingAnalytics
	Atomic(ctx context.Context, fn func(ctx context.Context, tx BillingTx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx BillingTx) error) error
}

// AccountTx is the account authority's data surface inside a transaction.
type AccountTx interface {
	Inbox
	Enqueuer

	GetCustomer(ctx context.Context, id string, forUpdate bool) (*models.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*models.Customer, error)
	CreateCustomer(ctx context.Context, c *models.Customer) error
	UpdateCustomer(ctx context.Context, c *models.Customer, expectedRevision int64) error

	// LockBalance returns the customer's balance row locked for update, creating a zero row first if needed.
	LockBalance(ctx context.Context, customerID string, now time.Time) (*models.TokenBalance, error)
	GetBalance(ctx context.Context, customerID string) (*models.TokenBalance, error)
	SaveBalance(ctx context.Context, b *models.TokenBalance) error
	AppendTransaction(ctx context.Context, t *models.TokenTransaction) error
	// ListTransactions pages a customer's ledger newest first.
	ListTransactions(ctx context.Context, customerID string, offset, limit int) ([]*models.TokenTransaction, int64, error)
	// AllTransactions returns the full ledger in seq order.
	AllTransactions(ctx context.Context, customerID string) ([]*models.TokenTransaction, error)

	GetGrant(ctx context.Context, subscriptionID string) (*models.SubscriptionGrant, error)
	SaveGrant(ctx context.Context, g *models.SubscriptionGrant) error
	GetPlanReplica(ctx context.Context, planID string) (*models.PlanReplica, error)
	UpsertPlanReplica(ctx context.Context, p *models.PlanReplica) error
}

type AccountStore interface {
	Infra
	Atomic(ctx context.Context, fn func(ctx context.Context, tx AccountTx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx AccountTx) error) error
}

// Page clamps offset/limit to sane bounds.
func Page(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return offset, limit
}
