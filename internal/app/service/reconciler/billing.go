package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/tool"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// BillingApplier maintains billing's customer replica and its record of
// token purchases and allocations made on the account side.
type BillingApplier struct {
	store store.BillingStore
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewBillingApplier(st store.BillingStore, log *zap.SugaredLogger) *BillingApplier {
	return &BillingApplier{store: st, log: log, now: time.Now}
}

func (b *BillingApplier) Authority() string { return events.SourceBilling }

func (b *BillingApplier) Topics() []events.Topic {
	return []events.Topic{events.TopicCustomers, events.TopicTokens}
}

func (b *BillingApplier) Apply(ctx context.Context, env *events.Envelope, admit AdmitFunc) (bool, error) {
	var apply func(context.Context, store.BillingTx, *events.Envelope) error
	switch env.Topic {
	case events.TopicCustomers:
		apply = b.applyCustomer
	case events.TopicTokens:
		apply = b.applyTokens
	default:
		return false, fmt.Errorf("%w: billing does not consume %s", events.ErrMalformed, env.Topic)
	}
	var applied bool
	err := b.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		ok, err := admit(ctx, tx)
		if err != nil || !ok {
			return err
		}
		applied = true
		return apply(ctx, tx, env)
	})
	return applied, err
}

func (b *BillingApplier) applyCustomer(ctx context.Context, tx store.BillingTx, env *events.Envelope) error {
	var ev events.CustomerEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	if ev.CustomerID != env.EntityID {
		return fmt.Errorf("%w: customer payload %s does not match entity %s", events.ErrMalformed, ev.CustomerID, env.EntityID)
	}
	return tx.UpsertCustomerReplica(ctx, &models.CustomerReplica{
		CustomerID:   ev.CustomerID,
		Name:         ev.Name,
		Email:        ev.Email,
		CustomerType: ev.CustomerType,
		Status:       ev.Status,
		Version:      env.Version,
		UpdatedAt:    b.now(),
	})
}

func (b *BillingApplier) applyTokens(ctx context.Context, tx store.BillingTx, env *events.Envelope) error {
	rec := &models.TokenPurchaseRecord{
		ID:        tool.GenerateUUIDV7(),
		EventID:   env.ID,
		CreatedAt: b.now(),
	}
	switch env.EventType {
	case events.EventTokensPurchased:
		var ev events.TokenPurchaseEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		rec.CustomerID = ev.CustomerID
		rec.Kind = types.TokenTransactionPurchase
		rec.Tokens = ev.TokensPurchased
		rec.PackageID = ev.PackageID
		rec.Price = decimal.NewNullDecimal(ev.Price)
		rec.Currency = ev.Currency
		rec.TransactionID = ev.TransactionID
		rec.Actor = ev.PurchasedBy
		rec.OccurredAt = ev.Timestamp
	case events.EventTokensAllocated:
		var ev events.TokenAllocatedEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		rec.CustomerID = ev.CustomerID
		rec.Kind = types.TokenTransactionBonus
		rec.Tokens = ev.TokensAllocated
		rec.TransactionID = ev.TransactionID
		rec.Actor = ev.AllocatedBy
		rec.Reason = ev.Reason
		rec.OccurredAt = ev.Timestamp
	default:
		return fmt.Errorf("%w: unexpected token event %s", events.ErrMalformed, env.EventType)
	}
	if rec.CustomerID == "" || rec.Tokens <= 0 {
		return fmt.Errorf("%w: token event %s has no customer or amount", events.ErrMalformed, env.ID)
	}
	if err := tx.AddTokenPurchaseRecord(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("failed to record token event %s: %w", env.ID, err)
	}
	return nil
}
