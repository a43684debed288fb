package subscription

import (
	"context"
	"fmt"

	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/tool"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// writeLog records a before/after snapshot of a change. before is nil for creations.
func (s *Service) writeLog(ctx context.Context, tx store.BillingTx, before, after *models.Subscription, reason types.SubscriptionChangeReason, actor, note string) error {
	extra := datatypes.JSONMap{"actor": actor}
	if note != "" {
		extra["note"] = note
	}
	l := &models.SubscriptionLog{
		ID:             tool.GenerateUUIDV7(),
		SubscriptionID: after.ID,
		CustomerID:     after.CustomerID,
		Reason:         reason,
		Before:         datatypes.NewJSONType(before.Clone()),
		After:          datatypes.NewJSONType(after.Clone()),
		Extra:          extra,
		CreatedAt:      s.now(),
	}
	if err := tx.AddSubscriptionLog(ctx, l); err != nil {
		return fmt.Errorf("failed to save subscription log: %w", err)
	}
	return nil
}
