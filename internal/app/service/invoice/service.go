// Package invoice keeps billing's invoice and payment bookkeeping.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/app/service/outbox"
	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/tool"
	"github.com/fatflowers/tokenbill/pkg/types"
)

type Service struct {
	store store.BillingStore
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewService(st store.BillingStore, log *zap.SugaredLogger) *Service {
	return &Service{store: st, log: log, now: time.Now}
}

type CreateRequest struct {
	CustomerID     string          `json:"customer_id"`
	SubscriptionID string          `json:"subscription_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	DueDate        *time.Time      `json:"due_date"`
	CreatedBy      string          `json:"-"`
}

type PaymentRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ReceivedAt *time.Time      `json:"received_at"`
	RecordedBy string          `json:"-"`
}

func (s *Service) CreateInvoice(ctx context.Context, req CreateRequest) (*models.Invoice, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	switch {
	case req.CustomerID == "":
		return nil, apperr.BadRequest("customer id is required")
	case !req.Amount.IsPositive():
		return nil, apperr.BadRequest("invoice amount must be positive")
	case !req.Amount.Equal(req.Amount.Round(2)):
		return nil, apperr.BadRequest("invoice amount %s has more than two decimal places", req.Amount)
	case len(currency) != 3:
		return nil, apperr.BadRequest("currency must be a 3-letter code, got %q", req.Currency)
	}
	now := s.now()
	inv := &models.Invoice{
		ID:         tool.GenerateUUIDV7(),
		CustomerID: req.CustomerID,
		Amount:     req.Amount,
		AmountPaid: decimal.Zero,
		Currency:   currency,
		Status:     types.InvoiceStatusDraft,
		DueDate:    req.DueDate,
		CreatedBy:  req.CreatedBy,
		UpdatedBy:  req.CreatedBy,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		if _, err := tx.GetCustomerReplica(ctx, req.CustomerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("customer %s", req.CustomerID)
			}
			return fmt.Errorf("failed to load customer: %w", err)
		}
		if req.SubscriptionID != "" {
			sub, err := tx.GetSubscription(ctx, req.SubscriptionID, false)
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("subscription %s", req.SubscriptionID)
			}
			if err != nil {
				return fmt.Errorf("failed to load subscription: %w", err)
			}
			if sub.CustomerID != req.CustomerID {
				return apperr.BadRequest("subscription %s belongs to another customer", sub.ID)
			}
			subID := sub.ID
			inv.SubscriptionID = &subID
		}
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("failed to create invoice: %w", err)
		}
		payload := events.InvoiceCreated{
			InvoiceID:  inv.ID,
			CustomerID: inv.CustomerID,
			Amount:     inv.Amount,
			Currency:   inv.Currency,
			DueDate:    inv.DueDate,
			Timestamp:  now.UTC(),
		}
		if inv.SubscriptionID != nil {
			payload.SubscriptionID = *inv.SubscriptionID
		}
		return s.emit(ctx, tx, events.EntityInvoice, inv.ID, inv.Revision, events.EventInvoiceCreated, payload, req.CreatedBy, "")
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("invoice created", "invoice_id", inv.ID, "customer_id", inv.CustomerID, "amount", inv.Amount.StringFixed(2), "currency", inv.Currency)
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	var out *models.Invoice
	err := s.store.View(ctx, func(ctx context.Context, tx store.BillingTx) error {
		var err error
		out, err = loadInvoice(ctx, tx, id, false)
		return err
	})
	return out, err
}

// ChangeInvoiceStatus moves an invoice along DRAFT → OPEN → PAID/VOID/UNCOLLECTIBLE.
func (s *Service) ChangeInvoiceStatus(ctx context.Context, id string, next types.InvoiceStatus, actor, reason string) (*models.Invoice, error) {
	var inv *models.Invoice
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		var err error
		if inv, err = loadInvoice(ctx, tx, id, true); err != nil {
			return err
		}
		if next == types.InvoiceStatusPaid && inv.Outstanding().IsPositive() {
			return apperr.InvalidState("invoice %s has %s outstanding", id, inv.Outstanding().StringFixed(2))
		}
		return s.transition(ctx, tx, inv, next, actor, reason)
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("invoice status changed", "invoice_id", id, "status", next, "actor", actor)
	return inv, nil
}

// RecordPayment applies a payment to an OPEN or UNCOLLECTIBLE invoice. A
// payment covering the outstanding amount marks the invoice PAID.
func (s *Service) RecordPayment(ctx context.Context, invoiceID string, req PaymentRequest) (*models.Payment, *models.Invoice, error) {
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, nil, apperr.BadRequest("payment amount must be positive with at most two decimal places")
	}
	var (
		pay *models.Payment
		inv *models.Invoice
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		var err error
		if inv, err = loadInvoice(ctx, tx, invoiceID, true); err != nil {
			return err
		}
		if inv.Status != types.InvoiceStatusOpen && inv.Status != types.InvoiceStatusUncollectible {
			return apperr.InvalidState("invoice %s is %s and cannot take payments", invoiceID, inv.Status)
		}
		if cur := strings.ToUpper(req.Currency); cur != "" && cur != inv.Currency {
			return apperr.BadRequest("payment currency %s does not match invoice currency %s", cur, inv.Currency)
		}
		if req.Amount.GreaterThan(inv.Outstanding()) {
			return apperr.BadRequest("payment %s exceeds outstanding %s", req.Amount.StringFixed(2), inv.Outstanding().StringFixed(2))
		}
		now := s.now()
		received := now
		if req.ReceivedAt != nil {
			received = *req.ReceivedAt
		}
		pay = &models.Payment{
			ID:         tool.GenerateUUIDV7(),
			InvoiceID:  inv.ID,
			CustomerID: inv.CustomerID,
			Amount:     req.Amount,
			Currency:   inv.Currency,
			ReceivedAt: received,
			RecordedBy: req.RecordedBy,
			CreatedAt:  now,
		}
		if err := tx.CreatePayment(ctx, pay); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		if err := s.emit(ctx, tx, events.EntityPayment, pay.ID, 1, events.EventPaymentReceived, events.PaymentReceived{
			PaymentID:  pay.ID,
			InvoiceID:  inv.ID,
			CustomerID: inv.CustomerID,
			Amount:     pay.Amount,
			Currency:   pay.Currency,
			Timestamp:  now.UTC(),
		}, req.RecordedBy, ""); err != nil {
			return err
		}
		inv.AmountPaid = inv.AmountPaid.Add(pay.Amount)
		if inv.Outstanding().IsZero() {
			inv.PaidAt = &received
			return s.transition(ctx, tx, inv, types.InvoiceStatusPaid, req.RecordedBy, "paid in full")
		}
		return s.save(ctx, tx, inv, req.RecordedBy)
	})
	if err != nil {
		return nil, nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("payment recorded", "payment_id", pay.ID, "invoice_id", invoiceID, "amount", pay.Amount.StringFixed(2), "invoice_status", inv.Status)
	return pay, inv, nil
}

func (s *Service) transition(ctx context.Context, tx store.BillingTx, inv *models.Invoice, next types.InvoiceStatus, actor, reason string) error {
	prev := inv.Status
	if !prev.CanTransition(next) {
		return apperr.InvalidState("invoice %s cannot move from %s to %s", inv.ID, prev, next)
	}
	inv.Status = next
	if next == types.InvoiceStatusPaid && inv.PaidAt == nil {
		now := s.now()
		inv.PaidAt = &now
	}
	if err := s.save(ctx, tx, inv, actor); err != nil {
		return err
	}
	return s.emit(ctx, tx, events.EntityInvoice, inv.ID, inv.Revision, events.EventInvoiceStatusChanged, events.InvoiceStatusChanged{
		InvoiceID:      inv.ID,
		CustomerID:     inv.CustomerID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		PreviousStatus: prev,
		NewStatus:      next,
		Timestamp:      s.now().UTC(),
	}, actor, reason)
}

func (s *Service) save(ctx context.Context, tx store.BillingTx, inv *models.Invoice, actor string) error {
	prev := inv.Revision
	inv.Revision++
	if actor != "" {
		inv.UpdatedBy = actor
	}
	if err := tx.UpdateInvoice(ctx, inv, prev); err != nil {
		if errors.Is(err, store.ErrRevisionConflict) {
			return apperr.Conflict("invoice %s was modified concurrently", inv.ID)
		}
		return fmt.Errorf("failed to update invoice %s: %w", inv.ID, err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx store.BillingTx, et events.EntityType, id string, version int64, typ events.EventType, payload any, actor, reason string) error {
	_, err := outbox.Enqueue(ctx, tx, events.Meta{
		Topic:       events.TopicInvoices,
		EntityType:  et,
		EntityID:    id,
		Version:     version,
		EventType:   typ,
		TriggeredBy: actor,
		Reason:      reason,
		Source:      events.SourceBilling,
	}, payload, s.now())
	return err
}

func loadInvoice(ctx context.Context, tx store.BillingTx, id string, forUpdate bool) (*models.Invoice, error) {
	inv, err := tx.GetInvoice(ctx, id, forUpdate)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("invoice %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice %s: %w", id, err)
	}
	return inv, nil
}
