// Package subscription is the billing authority's subscription ledger. Every
// change is one transaction carrying a revision compare-and-swap, a
// before/after log row and the outbox event for the account side.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// SubscriptionUpdate lists the fields UpdateSubscription may change.
type SubscriptionUpdate struct {
	PlanID           *string                   `json:"plan_id"`
	Status           *types.SubscriptionStatus `json:"status"`
	EndDate          *time.Time                `json:"end_date"`
	ExpectedRevision *int64                    `json:"expected_revision"`
	UpdatedBy        string                    `json:"-"`
}

func (s *Service) CreateSubscription(ctx context.Context, customerID, planID, createdBy string) (*models.Subscription, error) {
	if customerID == "" || planID == "" {
		return nil, apperr.BadRequest("customer id and plan id are required")
	}
	var sub *models.Subscription
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		if err := requireCustomer(ctx, tx, customerID); err != nil {
			return err
		}
		p, err := deployedPlan(ctx, tx, planID)
		if err != nil {
			return err
		}
		if err := ensureNoActive(ctx, tx, customerID, planID, ""); err != nil {
			return err
		}
		now := s.now()
		sub = &models.Subscription{
			ID:          tool.GenerateUUIDV7(),
			CustomerID:  customerID,
			PlanID:      p.ID,
			PlanVersion: p.Version,
			Status:      types.SubscriptionStatusActive,
			StartDate:   now,
			CreatedBy:   createdBy,
			UpdatedBy:   createdBy,
			Revision:    1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		sub.ResetTokens(p.IncludedTokens())
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return activeConflict(customerID, planID)
			}
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		if err := s.writeLog(ctx, tx, nil, sub, types.SubscriptionChangeReasonCreate, createdBy, ""); err != nil {
			return err
		}
		return s.emit(ctx, tx, sub, events.EventCreated, nil, "", p.Ref(), createdBy, "")
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("subscription created", "subscription_id", sub.ID, "customer_id", customerID, "plan_id", planID, "tokens", sub.TokensIncluded)
	return sub, nil
}

func (s *Service) UpdateSubscription(ctx context.Context, id string, upd SubscriptionUpdate) (*models.Subscription, error) {
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, apperr.BadRequest("invalid subscription status %q", *upd.Status)
		}
		if *upd.Status == types.SubscriptionStatusCanceled {
			return nil, apperr.BadRequest("use cancel to cancel a subscription")
		}
	}
	var sub *models.Subscription
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		cur, err := loadSubscription(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if upd.ExpectedRevision != nil && *upd.ExpectedRevision != cur.Revision {
			return apperr.Conflict("subscription %s is at revision %d, expected %d", id, cur.Revision, *upd.ExpectedRevision)
		}
		if cur.Status.Terminal() {
			return apperr.InvalidState("subscription %s is %s", id, cur.Status)
		}
		prevPlan, err := loadPlan(ctx, tx, cur.PlanID)
		if err != nil {
			return err
		}
		newPlan := prevPlan
		next := cur.Clone()
		reason := types.SubscriptionChangeReasonUpdate
		if upd.PlanID != nil && *upd.PlanID != cur.PlanID {
			if newPlan, err = deployedPlan(ctx, tx, *upd.PlanID); err != nil {
				return err
			}
			next.PlanID = newPlan.ID
			next.PlanVersion = newPlan.Version
			next.ResetTokens(newPlan.IncludedTokens())
			reason = types.SubscriptionChangeReasonPlanChange
		}
		if upd.Status != nil && *upd.Status != cur.Status {
			next.Status = *upd.Status
			if reason == types.SubscriptionChangeReasonUpdate {
				reason = types.SubscriptionChangeReasonStatusChange
			}
		}
		if upd.EndDate != nil {
			end := *upd.EndDate
			if end.Before(next.StartDate) {
				return apperr.BadRequest("end date %s is before start date %s", end.Format(time.RFC3339), next.StartDate.Format(time.RFC3339))
			}
			next.EndDate = &end
		}
		if next.Status == types.SubscriptionStatusActive && (next.PlanID != cur.PlanID || cur.Status != types.SubscriptionStatusActive) {
			if err := ensureNoActive(ctx, tx, next.CustomerID, next.PlanID, next.ID); err != nil {
				return err
			}
		}
		if err := s.save(ctx, tx, next, upd.UpdatedBy); err != nil {
			return err
		}
		if err := s.writeLog(ctx, tx, cur, next, reason, upd.UpdatedBy, ""); err != nil {
			return err
		}
		sub = next
		var prevRef *events.PlanRef
		if next.PlanID != cur.PlanID {
			ref := prevPlan.Ref()
			prevRef = &ref
		}
		return s.emit(ctx, tx, next, events.EventUpdated, prevRef, cur.Status, newPlan.Ref(), upd.UpdatedBy, string(reason))
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("subscription updated", "subscription_id", id, "plan_id", sub.PlanID, "status", sub.Status, "revision", sub.Revision)
	return sub, nil
}

func (s *Service) CancelSubscription(ctx context.Context, id, reason, canceledBy string) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		cur, err := loadSubscription(ctx, tx, id, true)
		if err != nil {
			return err
		}
		switch {
		case cur.Status == types.SubscriptionStatusCanceled:
			return apperr.Conflict("subscription %s is already canceled", id)
		case cur.Status.Terminal():
			return apperr.InvalidState("subscription %s is %s", id, cur.Status)
		}
		p, err := loadPlan(ctx, tx, cur.PlanID)
		if err != nil {
			return err
		}
		now := s.now()
		next := cur.Clone()
		next.Status = types.SubscriptionStatusCanceled
		next.CanceledAt = &now
		next.CancellationReason = reason
		if err := s.save(ctx, tx, next, canceledBy); err != nil {
			return err
		}
		if err := s.writeLog(ctx, tx, cur, next, types.SubscriptionChangeReasonCancel, canceledBy, reason); err != nil {
			return err
		}
		sub = next
		return s.emit(ctx, tx, next, events.EventCanceled, nil, cur.Status, p.Ref(), canceledBy, reason)
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("subscription canceled", "subscription_id", id, "reason", reason, "canceled_by", canceledBy)
	return sub, nil
}

func (s *Service) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.store.View(ctx, func(ctx context.Context, tx store.BillingTx) error {
		var err error
		out, err = loadSubscription(ctx, tx, id, false)
		return err
	})
	return out, err
}

func (s *Service) ListSubscriptions(ctx context.Context, f store.SubscriptionFilter) ([]*models.Subscription, int64, error) {
	var (
		out   []*models.Subscription
		total int64
	)
	err := s.store.View(ctx, func(ctx context.Context, tx store.BillingTx) error {
		var err error
		out, total, err = tx.ListSubscriptions(ctx, f)
		return err
	})
	return out, total, err
}

func (s *Service) save(ctx context.Context, tx store.BillingTx, sub *models.Subscription, actor string) error {
	prev := sub.Revision
	sub.Revision++
	sub.UpdatedAt = s.now()
	if actor != "" {
		sub.UpdatedBy = actor
	}
	if err := tx.UpdateSubscription(ctx, sub, prev); err != nil {
		switch {
		case errors.Is(err, store.ErrRevisionConflict):
			return apperr.Conflict("subscription %s was modified concurrently", sub.ID)
		case errors.Is(err, store.ErrDuplicate):
			return activeConflict(sub.CustomerID, sub.PlanID)
		}
		return fmt.Errorf("failed to update subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx store.BillingTx, sub *models.Subscription, et events.EventType, prevPlan *events.PlanRef, prevStatus types.SubscriptionStatus, newPlan events.PlanRef, actor, reason string) error {
	at := s.now().UTC()
	_, err := outbox.Enqueue(ctx, tx, events.Meta{
		Topic:       events.TopicSubscriptions,
		EntityType:  events.EntitySubscription,
		EntityID:    sub.ID,
		Version:     sub.Revision,
		EventType:   et,
		TriggeredBy: actor,
		Reason:      reason,
		Source:      events.SourceBilling,
	}, events.SubscriptionEvent{
		SubscriptionID: sub.ID,
		UserID:         sub.CustomerID,
		EntityID:       sub.CustomerID,
		EntityType:     events.EntityCustomer,
		PreviousPlan:   prevPlan,
		NewPlan:        newPlan,
		PreviousStatus: prevStatus,
		NewStatus:      sub.Status,
		StartDate:      sub.StartDate,
		EndDate:        sub.EndDate,
		ChangedBy:      actor,
		Timestamp:      at,
		TokensIncluded: sub.TokensIncluded,
	}, at)
	return err
}

func requireCustomer(ctx context.Context, tx store.BillingTx, customerID string) error {
	c, err := tx.GetCustomerReplica(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("customer %s", customerID)
	}
	if err != nil {
		return fmt.Errorf("failed to load customer %s: %w", customerID, err)
	}
	if c.Status == types.CustomerStatusSuspended {
		return apperr.InvalidState("customer %s is suspended", customerID)
	}
	return nil
}

func loadPlan(ctx context.Context, tx store.BillingTx, id string) (*models.Plan, error) {
	p, err := tx.GetPlan(ctx, id, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("plan %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", id, err)
	}
	return p, nil
}

func deployedPlan(ctx context.Context, tx store.BillingTx, id string) (*models.Plan, error) {
	p, err := loadPlan(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != types.PlanStatusDeployed {
		return nil, apperr.InvalidState("plan %s is %s, not DEPLOYED", id, p.Status)
	}
	return p, nil
}

func loadSubscription(ctx context.Context, tx store.BillingTx, id string, forUpdate bool) (*models.Subscription, error) {
	sub, err := tx.GetSubscription(ctx, id, forUpdate)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("subscription %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	return sub, nil
}

// ensureNoActive fails when another ACTIVE subscription holds the pair.
func ensureNoActive(ctx context.Context, tx store.BillingTx, customerID, planID, selfID string) error {
	existing, err := tx.FindActiveSubscription(ctx, customerID, planID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up active subscription: %w", err)
	}
	if existing.ID == selfID {
		return nil
	}
	return activeConflict(customerID, planID)
}

func activeConflict(customerID, planID string) error {
	return apperr.Conflict("customer %s already has an active subscription to plan %s", customerID, planID)
}
