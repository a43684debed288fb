package token

import (
	"context"
	"fmt"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/tool"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// Totals is the balance derived from a ledger.
type Totals struct {
	Allocated int64 `json:"allocated"`
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
}

// Apply folds one entry into t. Allocated sums credits and Used sums debits,
// both as magnitudes, so the sign convention of USAGE and REFUND rows does not
// matter. ADJUSTMENT is the only signed type: a positive one is a credit and a
// negative one a debit, which keeps Allocated a sum of grants only.
func (t Totals) Apply(typ types.TokenTransactionType, amount int64) Totals {
	switch typ {
	case types.TokenTransactionPurchase, types.TokenTransactionBonus:
		if amount > 0 {
			t.Allocated += amount
		}
	case types.TokenTransactionAdjustment:
		if amount > 0 {
			t.Allocated += amount
		} else {
			t.Used -= amount
		}
	case types.TokenTransactionUsage:
		t.Used += abs(amount)
	case types.TokenTransactionRefund:
		t.Used -= abs(amount)
	}
	t.Available = t.Allocated - t.Used
	return t
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// Fold derives totals from a full ledger.
func Fold(entries []*models.TokenTransaction) Totals {
	var t Totals
	for _, e := range entries {
		t = t.Apply(e.Type, e.Amount)
	}
	return t
}

func totalsOf(b *models.TokenBalance) Totals {
	return Totals{Allocated: b.Allocated, Used: b.Used, Available: b.Available}
}

// Append writes entry at the next ledger position of bal's customer and
// advances bal to match. bal must be the row returned by LockBalance in tx.
func Append(ctx context.Context, tx store.AccountTx, bal *models.TokenBalance, entry *models.TokenTransaction) error {
	if entry.ID == "" {
		entry.ID = tool.GenerateUUIDV7()
	}
	entry.CustomerID = bal.CustomerID
	entry.Seq = bal.Seq + 1
	next := totalsOf(bal).Apply(entry.Type, entry.Amount)
	entry.Balance = next.Available
	if err := tx.AppendTransaction(ctx, entry); err != nil {
		return fmt.Errorf("failed to append %s for %s: %w", entry.Type, bal.CustomerID, err)
	}
	bal.Allocated, bal.Used, bal.Available = next.Allocated, next.Used, next.Available
	bal.Seq = entry.Seq
	bal.LastUpdated = entry.OccurredAt
	if err := tx.SaveBalance(ctx, bal); err != nil {
		return fmt.Errorf("failed to save balance for %s: %w", bal.CustomerID, err)
	}
	return nil
}
