// Package token owns the append-only token ledger of the account authority.
// Balances are a materialized fold of the ledger kept in step inside the same
// transaction as every append.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/app/service/outbox"
	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/keylock"
	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/metrics"
	"github.com/fatflowers/tokenbill/pkg/types"
)

type Service struct {
	cfg     *config.Config
	store   store.AccountStore
	log     *zap.SugaredLogger
	locks   *keylock.Locks
	metrics *metrics.Business
	now     func() time.Time
}

func NewService(cfg *config.Config, st store.AccountStore, log *zap.SugaredLogger, m *metrics.Business) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		log:     log,
		locks:   keylock.New(cfg.Ledger.LockStripes),
		metrics: m,
		now:     time.Now,
	}
}

// Result is the appended entry and the balance right after it.
type Result struct {
	Transaction *models.TokenTransaction `json:"transaction"`
	Balance     *models.TokenBalance     `json:"balance"`
}

// buildFn validates against the locked balance and returns the entry to append.
type buildFn func(bal *models.TokenBalance) (*models.TokenTransaction, error)

// emitFn enqueues the event announcing an appended entry.
type emitFn func(ctx context.Context, tx store.AccountTx, entry *models.TokenTransaction) error

// mutate serializes writers per customer: the striped lock keeps them off the
// database row lock, and LockBalance keeps other processes out.
func (s *Service) mutate(ctx context.Context, customerID string, build buildFn, emit emitFn) (*Result, error) {
	unlock := s.locks.Lock(customerID)
	defer unlock()

	var res Result
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.AccountTx) error {
		if err := requireCustomer(ctx, tx, customerID); err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, customerID, s.now())
		if err != nil {
			return fmt.Errorf("failed to lock balance: %w", err)
		}
		entry, err := build(bal)
		if err != nil {
			return err
		}
		if entry.OccurredAt.IsZero() {
			entry.OccurredAt = s.now().UTC()
		}
		if err := Append(ctx, tx, bal, entry); err != nil {
			return err
		}
		if emit != nil {
			if err := emit(ctx, tx, entry); err != nil {
				return err
			}
		}
		res = Result{Transaction: entry, Balance: bal}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.LedgerAppends.WithLabelValues(string(res.Transaction.Type)).Inc()
	}
	logctx.FromCtx(ctx, s.log).Infow("ledger entry appended",
		"customer_id", customerID,
		"type", res.Transaction.Type,
		"amount", res.Transaction.Amount,
		"seq", res.Transaction.Seq,
		"available", res.Balance.Available,
	)
	return &res, nil
}

func requireCustomer(ctx context.Context, tx store.AccountTx, customerID string) error {
	if _, err := tx.GetCustomer(ctx, customerID, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("customer %s", customerID)
		}
		return fmt.Errorf("failed to load customer: %w", err)
	}
	return nil
}

func positive(amount int64) error {
	if amount <= 0 {
		return apperr.BadRequest("amount must be positive, got %d", amount)
	}
	return nil
}

func tokenMeta(customerID string, entry *models.TokenTransaction, et events.EventType, actor, reason string) events.Meta {
	return events.Meta{
		Topic:       events.TopicTokens,
		EntityType:  events.EntityTokenAccount,
		EntityID:    customerID,
		Version:     entry.Seq,
		EventType:   et,
		TriggeredBy: actor,
		Reason:      reason,
		Source:      events.SourceAccount,
	}
}

// GetTokenBalance returns the materialized balance. A customer without ledger
// entries has a zero balance.
func (s *Service) GetTokenBalance(ctx context.Context, customerID string) (*models.TokenBalance, error) {
	var out *models.TokenBalance
	err := s.store.View(ctx, func(ctx context.Context, tx store.AccountTx) error {
		if err := requireCustomer(ctx, tx, customerID); err != nil {
			return err
		}
		b, err := tx.GetBalance(ctx, customerID)
		if errors.Is(err, store.ErrNotFound) {
			out = &models.TokenBalance{CustomerID: customerID}
			return nil
		}
		out = b
		return err
	})
	return out, err
}

func (s *Service) PurchaseTokens(ctx context.Context, customerID, packageID, purchasedBy string) (*Result, error) {
	pkg := s.cfg.GetTokenPackageByID(packageID)
	if pkg == nil {
		return nil, apperr.NotFound("token package %s", packageID)
	}
	build := func(*models.TokenBalance) (*models.TokenTransaction, error) {
		return &models.TokenTransaction{
			Type:      types.TokenTransactionPurchase,
			Amount:    pkg.Tokens,
			Actor:     purchasedBy,
			Reason:    "purchase " + pkg.Name,
			Reference: "package:" + pkg.ID,
			Price:     decimal.NewNullDecimal(pkg.Price),
			Currency:  pkg.Currency,
		}, nil
	}
	emit := func(ctx context.Context, tx store.AccountTx, entry *models.TokenTransaction) error {
		_, err := outbox.Enqueue(ctx, tx, tokenMeta(customerID, entry, events.EventTokensPurchased, purchasedBy, ""),
			events.TokenPurchaseEvent{
				CustomerID:      customerID,
				TokensPurchased: entry.Amount,
				PackageID:       pkg.ID,
				Price:           pkg.Price,
				Currency:        pkg.Currency,
				PurchasedBy:     purchasedBy,
				TransactionID:   entry.ID,
				Timestamp:       entry.OccurredAt,
			}, entry.OccurredAt)
		return err
	}
	return s.mutate(ctx, customerID, build, emit)
}

func (s *Service) AllocateTokens(ctx context.Context, customerID string, amount int64, allocatedBy, reason string) (*Result, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	build := func(*models.TokenBalance) (*models.TokenTransaction, error) {
		return &models.TokenTransaction{
			Type:   types.TokenTransactionBonus,
			Amount: amount,
			Actor:  allocatedBy,
			Reason: reason,
		}, nil
	}
	emit := func(ctx context.Context, tx store.AccountTx, entry *models.TokenTransaction) error {
		_, err := outbox.Enqueue(ctx, tx, tokenMeta(customerID, entry, events.EventTokensAllocated, allocatedBy, reason),
			events.TokenAllocatedEvent{
				CustomerID:      customerID,
				TokensAllocated: amount,
				AllocatedBy:     allocatedBy,
				Reason:          reason,
				TransactionID:   entry.ID,
				Timestamp:       entry.OccurredAt,
			}, entry.OccurredAt)
		return err
	}
	return s.mutate(ctx, customerID, build, emit)
}

func (s *Service) ConsumeTokens(ctx context.Context, customerID string, amount int64, feature, actor string) (*Result, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, customerID, func(bal *models.TokenBalance) (*models.TokenTransaction, error) {
		if bal.Available < amount {
			return nil, apperr.Insufficient("insufficient token balance: available %d, requested %d", bal.Available, amount)
		}
		return &models.TokenTransaction{
			Type:    types.TokenTransactionUsage,
			Amount:  amount,
			Actor:   actor,
			Feature: feature,
		}, nil
	}, nil)
}

func (s *Service) RefundTokens(ctx context.Context, customerID string, amount int64, actor, reason string) (*Result, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, customerID, func(bal *models.TokenBalance) (*models.TokenTransaction, error) {
		if amount > bal.Used {
			return nil, apperr.BadRequest("refund of %d exceeds used tokens %d", amount, bal.Used)
		}
		return &models.TokenTransaction{
			Type:   types.TokenTransactionRefund,
			Amount: amount,
			Actor:  actor,
			Reason: reason,
		}, nil
	}, nil)
}

// AdjustTokens appends a signed manual correction.
func (s *Service) AdjustTokens(ctx context.Context, customerID string, amount int64, actor, reason string) (*Result, error) {
	switch {
	case amount == 0:
		return nil, apperr.BadRequest("adjustment amount must not be zero")
	case actor == "" || reason == "":
		return nil, apperr.BadRequest("adjustment requires actor and reason")
	case s.cfg.Ledger.MaxAdjustment > 0 && (amount > s.cfg.Ledger.MaxAdjustment || -amount > s.cfg.Ledger.MaxAdjustment):
		return nil, apperr.BadRequest("adjustment %d exceeds limit %d", amount, s.cfg.Ledger.MaxAdjustment)
	}
	return s.mutate(ctx, customerID, func(bal *models.TokenBalance) (*models.TokenTransaction, error) {
		if bal.Available+amount < 0 {
			return nil, apperr.Insufficient("insufficient token balance: available %d, adjustment %d", bal.Available, amount)
		}
		return &models.TokenTransaction{
			Type:   types.TokenTransactionAdjustment,
			Amount: amount,
			Actor:  actor,
			Reason: reason,
		}, nil
	}, nil)
}

// GetTokenTransactionHistory pages the ledger newest first.
func (s *Service) GetTokenTransactionHistory(ctx context.Context, customerID string, offset, limit int) ([]*models.TokenTransaction, int64, error) {
	var (
		out   []*models.TokenTransaction
		total int64
	)
	err := s.store.View(ctx, func(ctx context.Context, tx store.AccountTx) error {
		if err := requireCustomer(ctx, tx, customerID); err != nil {
			return err
		}
		var err error
		out, total, err = tx.ListTransactions(ctx, customerID, offset, limit)
		return err
	})
	return out, total, err
}

// RebuildResult compares the stored balance with a fresh fold of the ledger.
type RebuildResult struct {
	CustomerID string `json:"customer_id"`
	Stored     Totals `json:"stored"`
	Folded     Totals `json:"folded"`
	Entries    int    `json:"entries"`
	Drift      bool   `json:"drift"`
	Repaired   bool   `json:"repaired"`
}

// RebuildBalance folds the ledger and overwrites the materialized balance when it drifted.
func (s *Service) RebuildBalance(ctx context.Context, customerID string) (*RebuildResult, error) {
	return s.rebuild(ctx, customerID, true)
}

// VerifyBalance reports drift without repairing it.
func (s *Service) VerifyBalance(ctx context.Context, customerID string) (*RebuildResult, error) {
	return s.rebuild(ctx, customerID, false)
}

func (s *Service) rebuild(ctx context.Context, customerID string, repair bool) (*RebuildResult, error) {
	unlock := s.locks.Lock(customerID)
	defer unlock()

	res := &RebuildResult{CustomerID: customerID}
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.AccountTx) error {
		if err := requireCustomer(ctx, tx, customerID); err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, customerID, s.now())
		if err != nil {
			return fmt.Errorf("failed to lock balance: %w", err)
		}
		entries, err := tx.AllTransactions(ctx, customerID)
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		res.Entries = len(entries)
		res.Stored = totalsOf(bal)
		res.Folded = Fold(entries)
		var lastSeq int64
		if n := len(entries); n > 0 {
			lastSeq = entries[n-1].Seq
		}
		res.Drift = res.Stored != res.Folded || bal.Seq != lastSeq
		if !res.Drift || !repair {
			return nil
		}
		bal.Allocated, bal.Used, bal.Available = res.Folded.Allocated, res.Folded.Used, res.Folded.Available
		bal.Seq = lastSeq
		bal.LastUpdated = s.now()
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return fmt.Errorf("failed to save balance: %w", err)
		}
		res.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Drift {
		logctx.FromCtx(ctx, s.log).Warnw("token balance drift detected",
			"customer_id", customerID, "stored", res.Stored, "folded", res.Folded, "repaired", res.Repaired)
	}
	return res, nil
}
