package plan

import (
	"context"
	"fmt"

	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// GetPlanAnalytics recomputes subscriber counts from subscriptions and stores
// them on the plan. It leaves revision alone and emits nothing.
func (s *Service) GetPlanAnalytics(ctx context.Context, id string) (*types.PlanAnalytics, error) {
	var out types.PlanAnalytics
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		p, err := loadPlan(ctx, tx, id, false)
		if err != nil {
			return err
		}
		counts, err := tx.CountSubscriptionsByStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to count subscriptions: %w", err)
		}
		now := s.now()
		out = types.PlanAnalytics{SubscriptionsByStatus: counts, ComputedAt: &now}
		for status, n := range counts {
			out.TotalSubscriptions += n
			if status.Entitled() {
				out.TokensIncluded += n * p.IncludedTokens()
			}
		}
		out.ActiveSubscriptions = counts[types.SubscriptionStatusActive]
		return tx.SavePlanAnalytics(ctx, id, out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
