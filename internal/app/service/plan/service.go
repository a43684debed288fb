// Package plan is the billing authority's plan registry. Plans are versioned
// copy-on-write: only DRAFT rows change in place, and editing a deployed or
// archived plan creates the next DRAFT version in the same lineage.
package plan

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/app/service/outbox"
	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/tool"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// ErrPlanInUse is returned when deleting a plan that subscriptions reference.
var ErrPlanInUse = fmt.Errorf("plan is referenced by subscriptions: %w", apperr.ErrConflict)

const (
	metaArchiveReason     = "archiveReason"
	metaReplacementPlanID = "replacementPlanId"
	metaDuplicatedFrom    = "duplicatedFrom"
)

type Service struct {
	store store.BillingStore
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewService(st store.BillingStore, log *zap.SugaredLogger) *Service {
	return &Service{store: st, log: log, now: time.Now}
}

func (s *Service) CreatePlan(ctx context.Context, req CreateRequest) (*models.Plan, error) {
	id := tool.GenerateUUIDV7()
	p := &models.Plan{
		ID:           id,
		LineageID:    id,
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		CustomerType: req.CustomerType,
		Price:        req.Price,
		Currency:     strings.ToUpper(strings.TrimSpace(req.Currency)),
		BillingCycle: req.BillingCycle,
		Features:     append([]string(nil), req.Features...),
		TokenConfig:  datatypes.NewJSONType(req.TokenConfig.Clone()),
		Limits:       datatypes.NewJSONType(req.Limits),
		Analytics:    datatypes.NewJSONType(types.PlanAnalytics{}),
		Metadata:     datatypes.JSONMap(maps.Clone(req.Metadata)),
		IsActive:     req.IsActive == nil || *req.IsActive,
		IsVisible:    req.IsVisible == nil || *req.IsVisible,
		Status:       types.PlanStatusDraft,
		Version:      1,
		CreatedBy:    req.CreatedBy,
		UpdatedBy:    req.CreatedBy,
		Revision:     1,
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		if err := ensureNameAvailable(ctx, tx, p.Name, p.CustomerType, p.LineageID); err != nil {
			return err
		}
		if err := tx.CreatePlan(ctx, p); err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}
		return s.emit(ctx, tx, p, events.EventCreated, req.CreatedBy, "")
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("plan created", "plan_id", p.ID, "name", p.Name, "customer_type", p.CustomerType)
	return p, nil
}

func (s *Service) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var out *models.Plan
	err := s.store.View(ctx, func(ctx context.Context, tx store.BillingTx) error {
		var err error
		out, err = loadPlan(ctx, tx, id, false)
		return err
	})
	return out, err
}

func (s *Service) ListPlans(ctx context.Context, f store.PlanFilter) ([]*models.Plan, int64, error) {
	var (
		out   []*models.Plan
		total int64
	)
	err := s.store.View(ctx, func(ctx context.Context, tx store.BillingTx) error {
		var err error
		out, total, err = tx.ListPlans(ctx, f)
		return err
	})
	return out, total, err
}

// GetPlanLineage walks previousVersionId from id back to the root, newest first.
func (s *Service) GetPlanLineage(ctx context.Context, id string) ([]*models.Plan, error) {
	var chain []*models.Plan
	err := s.store.View(ctx, func(ctx context.Context, tx store.BillingTx) error {
		seen := make(map[string]bool)
		next := id
		for next != "" {
			if seen[next] {
				return fmt.Errorf("plan lineage of %s has a cycle at %s", id, next)
			}
			seen[next] = true
			p, err := loadPlan(ctx, tx, next, false)
			if err != nil {
				if len(chain) > 0 && errors.Is(err, apperr.ErrNotFound) {
					logctx.FromCtx(ctx, s.log).Warnw("plan lineage is broken", "plan_id", id, "missing", next)
					return nil
				}
				return err
			}
			chain = append(chain, p)
			next = ""
			if p.PreviousVersionID != nil {
				next = *p.PreviousVersionID
			}
		}
		return nil
	})
	return chain, err
}

func loadPlan(ctx context.Context, tx store.BillingTx, id string, forUpdate bool) (*models.Plan, error) {
	p, err := tx.GetPlan(ctx, id, forUpdate)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("plan %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", id, err)
	}
	return p, nil
}

// ensureNameAvailable holds the (name, customerType) lock for the rest of the
// transaction and fails when another lineage already uses the pair.
func ensureNameAvailable(ctx context.Context, tx store.BillingTx, name string, ct types.CustomerType, lineageID string) error {
	if err := tx.LockPlanName(ctx, name, ct); err != nil {
		return fmt.Errorf("failed to lock plan name: %w", err)
	}
	existing, err := tx.FindPlansByName(ctx, name, ct)
	if err != nil {
		return fmt.Errorf("failed to look up plan name: %w", err)
	}
	for _, p := range existing {
		if p.LineageID != lineageID {
			return apperr.Conflict("plan %q already exists for customer type %s", name, ct)
		}
	}
	return nil
}

// save writes p with a revision bump and emits et for it.
func (s *Service) save(ctx context.Context, tx store.BillingTx, p *models.Plan, et events.EventType, actor, reason string) error {
	prev := p.Revision
	p.Revision++
	if actor != "" {
		p.UpdatedBy = actor
	}
	if err := tx.UpdatePlan(ctx, p, prev); err != nil {
		if errors.Is(err, store.ErrRevisionConflict) {
			return apperr.Conflict("plan %s was modified concurrently", p.ID)
		}
		return fmt.Errorf("failed to update plan %s: %w", p.ID, err)
	}
	return s.emit(ctx, tx, p, et, actor, reason)
}

func (s *Service) emit(ctx context.Context, tx store.BillingTx, p *models.Plan, et events.EventType, actor, reason string) error {
	at := s.now().UTC()
	_, err := outbox.Enqueue(ctx, tx, events.Meta{
		Topic:       events.TopicPlans,
		EntityType:  events.EntityPlan,
		EntityID:    p.ID,
		Version:     p.Revision,
		EventType:   et,
		TriggeredBy: actor,
		Reason:      reason,
		Source:      events.SourceBilling,
	}, events.PlanEvent{
		PlanID:      p.ID,
		EventType:   et,
		PlanData:    p.Snapshot(),
		Timestamp:   at,
		TriggeredBy: actor,
		Reason:      reason,
	}, at)
	return err
}
