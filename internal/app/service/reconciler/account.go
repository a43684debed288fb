package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/app/service/token"
	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/types"
)

const systemActor = "system:reconciler"

// AccountApplier keeps the account authority in step with billing: plan
// replicas from plan events, and each subscription's token grant from
// subscription events.
type AccountApplier struct {
	store store.AccountStore
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewAccountApplier(st store.AccountStore, log *zap.SugaredLogger) *AccountApplier {
	return &AccountApplier{store: st, log: log, now: time.Now}
}

func (a *AccountApplier) Authority() string { return events.SourceAccount }

func (a *AccountApplier) Topics() []events.Topic {
	return []events.Topic{events.TopicPlans, events.TopicSubscriptions}
}

func (a *AccountApplier) Apply(ctx context.Context, env *events.Envelope, admit AdmitFunc) (bool, error) {
	var apply func(context.Context, store.AccountTx, *events.Envelope) error
	switch env.Topic {
	case events.TopicPlans:
		apply = a.applyPlan
	case events.TopicSubscriptions:
		apply = a.applySubscription
	default:
		return false, fmt.Errorf("%w: account does not consume %s", events.ErrMalformed, env.Topic)
	}
	var applied bool
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.AccountTx) error {
		ok, err := admit(ctx, tx)
		if err != nil || !ok {
			return err
		}
		applied = true
		return apply(ctx, tx, env)
	})
	return applied, err
}

func (a *AccountApplier) applyPlan(ctx context.Context, tx store.AccountTx, env *events.Envelope) error {
	var ev events.PlanEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	if ev.PlanData.ID != env.EntityID {
		return fmt.Errorf("%w: plan payload %s does not match entity %s", events.ErrMalformed, ev.PlanData.ID, env.EntityID)
	}
	r := models.NewPlanReplica(ev.PlanData)
	r.UpdatedAt = a.now()
	if err := tx.UpsertPlanReplica(ctx, r); err != nil {
		return fmt.Errorf("failed to upsert plan replica %s: %w", r.PlanID, err)
	}
	return nil
}

// applySubscription re-baselines the tokens granted for one subscription.
// The target is the plan allowance while the subscription is entitled and
// zero otherwise; only the difference to the previous grant is booked.
func (a *AccountApplier) applySubscription(ctx context.Context, tx store.AccountTx, env *events.Envelope) error {
	var ev events.SubscriptionEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	if ev.SubscriptionID != env.EntityID || ev.UserID == "" {
		return fmt.Errorf("%w: subscription payload does not match entity %s", events.ErrMalformed, env.EntityID)
	}
	grant, err := tx.GetGrant(ctx, ev.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		grant = &models.SubscriptionGrant{SubscriptionID: ev.SubscriptionID, CustomerID: ev.UserID}
	} else if err != nil {
		return fmt.Errorf("failed to load grant for %s: %w", ev.SubscriptionID, err)
	}

	var target int64
	if ev.NewStatus.Entitled() {
		target = ev.NewPlan.IncludedTokens
	}
	// GrantedTokens tracks what was actually booked, so a clamped clawback
	// is not handed back in full when the subscription resumes.
	if delta := target - grant.GrantedTokens; delta != 0 {
		booked, err := a.rebaseline(ctx, tx, grant.CustomerID, ev.SubscriptionID, delta, env)
		if err != nil {
			return err
		}
		grant.GrantedTokens += booked
	}
	grant.PlanID = ev.NewPlan.ID
	grant.Status = ev.NewStatus
	grant.LastVersion = env.Version
	grant.UpdatedAt = a.now()
	if err := tx.SaveGrant(ctx, grant); err != nil {
		return fmt.Errorf("failed to save grant for %s: %w", ev.SubscriptionID, err)
	}
	return nil
}

// rebaseline books delta as one ADJUSTMENT and returns the amount booked,
// which is smaller than a clawback the balance cannot cover.
func (a *AccountApplier) rebaseline(ctx context.Context, tx store.AccountTx, customerID, subscriptionID string, delta int64, env *events.Envelope) (int64, error) {
	now := a.now()
	bal, err := tx.LockBalance(ctx, customerID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to lock balance of %s: %w", customerID, err)
	}
	// a clawback never takes the balance below zero
	if delta < 0 && -delta > bal.Available {
		a.log.Warnw("clamping token clawback", "customer_id", customerID, "subscription_id", subscriptionID, "delta", delta, "available", bal.Available)
		delta = -bal.Available
	}
	if delta == 0 {
		return 0, nil
	}
	actor := env.TriggeredBy
	if actor == "" {
		actor = systemActor
	}
	err = token.Append(ctx, tx, bal, &models.TokenTransaction{
		Type:       types.TokenTransactionAdjustment,
		Amount:     delta,
		OccurredAt: now,
		Actor:      actor,
		Reason:     fmt.Sprintf("subscription %s re-baseline", subscriptionID),
		Reference:  "subscription:" + subscriptionID,
	})
	if err != nil {
		return 0, err
	}
	return delta, nil
}
