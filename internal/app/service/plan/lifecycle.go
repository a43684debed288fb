package plan

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/tool"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// UpdatePlan edits a DRAFT in place. A DEPLOYED or ARCHIVED plan is left
// untouched and the edit lands on a new DRAFT version, which is returned.
func (s *Service) UpdatePlan(ctx context.Context, id string, upd PlanUpdate) (*models.Plan, error) {
	var out *models.Plan
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		p, err := loadPlan(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if upd.ExpectedRevision != nil && *upd.ExpectedRevision != p.Revision {
			return apperr.Conflict("plan %s is at revision %d, expected %d", id, p.Revision, *upd.ExpectedRevision)
		}
		switch p.Status {
		case types.PlanStatusDraft:
			upd.apply(p)
			if err := validate(p); err != nil {
				return err
			}
			if upd.renames() {
				if err := ensureNameAvailable(ctx, tx, p.Name, p.CustomerType, p.LineageID); err != nil {
					return err
				}
			}
			out = p
			return s.save(ctx, tx, p, events.EventUpdated, upd.UpdatedBy, "")
		case types.PlanStatusDeployed, types.PlanStatusArchived:
			next, err := s.nextVersion(ctx, tx, p, upd.UpdatedBy)
			if err != nil {
				return err
			}
			upd.apply(next)
			if err := validate(next); err != nil {
				return err
			}
			if upd.renames() {
				if err := ensureNameAvailable(ctx, tx, next.Name, next.CustomerType, next.LineageID); err != nil {
					return err
				}
			}
			if err := tx.CreatePlan(ctx, next); err != nil {
				return fmt.Errorf("failed to create plan version: %w", err)
			}
			out = next
			return s.emit(ctx, tx, next, events.EventCreated, upd.UpdatedBy, fmt.Sprintf("new version of %s", p.ID))
		default:
			return apperr.InvalidState("plan %s cannot be updated in status %s", id, p.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("plan updated", "plan_id", id, "result_id", out.ID, "version", out.Version, "revision", out.Revision)
	return out, nil
}

// nextVersion clones p as the next DRAFT of its lineage.
func (s *Service) nextVersion(ctx context.Context, tx store.BillingTx, p *models.Plan, actor string) (*models.Plan, error) {
	versions, _, err := tx.ListPlans(ctx, store.PlanFilter{LineageID: p.LineageID, IncludeDeleted: true, Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("failed to list lineage %s: %w", p.LineageID, err)
	}
	latest := p.Version
	for _, v := range versions {
		latest = max(latest, v.Version)
	}
	prev := p.ID
	next := p.Clone()
	next.ID = tool.GenerateUUIDV7()
	next.Version = latest + 1
	next.PreviousVersionID = &prev
	next.Status = types.PlanStatusDraft
	next.DeployedAt = nil
	next.DeployedBy = ""
	next.ArchivedAt = nil
	next.Analytics = datatypes.NewJSONType(types.PlanAnalytics{})
	next.CreatedBy = actor
	next.UpdatedBy = actor
	next.Revision = 1
	next.CreatedAt, next.UpdatedAt = s.now(), s.now()
	if p.Status == types.PlanStatusArchived {
		next.IsActive, next.IsVisible = true, true
		delete(next.Metadata, metaArchiveReason)
		delete(next.Metadata, metaReplacementPlanID)
	}
	return next, nil
}

func (s *Service) DeployPlan(ctx context.Context, id, deployedBy string) (*models.Plan, error) {
	var out *models.Plan
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		p, err := loadPlan(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if p.Status != types.PlanStatusDraft || !p.IsActive {
			return apperr.InvalidState("cannot deploy plan %s with status %s and isActive=%t", id, p.Status, p.IsActive)
		}
		now := s.now()
		p.Status = types.PlanStatusDeployed
		p.DeployedAt = &now
		p.DeployedBy = deployedBy
		out = p
		return s.save(ctx, tx, p, events.EventDeployed, deployedBy, "")
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("plan deployed", "plan_id", id, "version", out.Version, "deployed_by", deployedBy)
	return out, nil
}

func (s *Service) ArchivePlan(ctx context.Context, id string, req ArchiveRequest) (*models.Plan, error) {
	var out *models.Plan
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		p, err := loadPlan(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if p.Status != types.PlanStatusDeployed {
			return apperr.InvalidState("plan %s cannot be archived in status %s", id, p.Status)
		}
		counts, err := tx.CountSubscriptionsByStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to count subscriptions: %w", err)
		}
		if n := counts[types.SubscriptionStatusActive]; n > 0 {
			if req.ReplacementPlanID == "" {
				return apperr.BadRequest("plan %s has %d active subscriptions; replacementPlanId is required", id, n)
			}
			if err := checkReplacement(ctx, tx, id, req.ReplacementPlanID); err != nil {
				return err
			}
		} else if req.ReplacementPlanID != "" {
			if err := checkReplacement(ctx, tx, id, req.ReplacementPlanID); err != nil {
				return err
			}
		}
		now := s.now()
		p.Status = types.PlanStatusArchived
		p.IsActive = false
		p.IsVisible = false
		p.ArchivedAt = &now
		meta := map[string]any{}
		if req.Reason != "" {
			meta[metaArchiveReason] = req.Reason
		}
		if req.ReplacementPlanID != "" {
			meta[metaReplacementPlanID] = req.ReplacementPlanID
		}
		p.Metadata = mergeMetadata(p.Metadata, meta)
		out = p
		return s.save(ctx, tx, p, events.EventArchived, req.ArchivedBy, req.Reason)
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("plan archived", "plan_id", id, "replacement", req.ReplacementPlanID)
	return out, nil
}

func checkReplacement(ctx context.Context, tx store.BillingTx, id, replacementID string) error {
	if replacementID == id {
		return apperr.BadRequest("plan %s cannot replace itself", id)
	}
	r, err := loadPlan(ctx, tx, replacementID, false)
	if err != nil {
		return err
	}
	if r.Status != types.PlanStatusDeployed {
		return apperr.InvalidState("replacement plan %s is %s, not DEPLOYED", replacementID, r.Status)
	}
	return nil
}

// DeletePlan soft-deletes a DRAFT or ARCHIVED plan that no subscription references.
func (s *Service) DeletePlan(ctx context.Context, id, deletedBy string) (*models.Plan, error) {
	var out *models.Plan
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		p, err := loadPlan(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if p.Status != types.PlanStatusDraft && p.Status != types.PlanStatusArchived {
			return apperr.InvalidState("plan %s cannot be deleted in status %s", id, p.Status)
		}
		counts, err := tx.CountSubscriptionsByStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to count subscriptions: %w", err)
		}
		var n int64
		for _, c := range counts {
			n += c
		}
		if n > 0 {
			return fmt.Errorf("plan %s has %d subscriptions: %w", id, n, ErrPlanInUse)
		}
		now := s.now()
		p.Status = types.PlanStatusDeleted
		p.DeletedAt = &now
		p.IsActive = false
		p.IsVisible = false
		out = p
		return s.save(ctx, tx, p, events.EventDeleted, deletedBy, "")
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("plan deleted", "plan_id", id, "deleted_by", deletedBy)
	return out, nil
}

// DuplicatePlan copies a plan into a new lineage under newName.
func (s *Service) DuplicatePlan(ctx context.Context, id, newName, createdBy string) (*models.Plan, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, apperr.BadRequest("new plan name is required")
	}
	var out *models.Plan
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.BillingTx) error {
		src, err := loadPlan(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if src.Status == types.PlanStatusDeleted {
			return apperr.InvalidState("plan %s is deleted", id)
		}
		dup := src.Clone()
		dup.ID = tool.GenerateUUIDV7()
		dup.LineageID = dup.ID
		dup.Name = newName
		dup.Status = types.PlanStatusDraft
		dup.Version = 1
		dup.PreviousVersionID = nil
		dup.DeployedAt, dup.DeployedBy = nil, ""
		dup.ArchivedAt, dup.DeletedAt = nil, nil
		dup.IsActive, dup.IsVisible = true, true
		dup.Analytics = datatypes.NewJSONType(types.PlanAnalytics{})
		dup.Metadata = maps.Clone(src.Metadata)
		delete(dup.Metadata, metaArchiveReason)
		delete(dup.Metadata, metaReplacementPlanID)
		dup.Metadata = mergeMetadata(dup.Metadata, map[string]any{metaDuplicatedFrom: id})
		dup.CreatedBy, dup.UpdatedBy = createdBy, createdBy
		dup.Revision = 1
		dup.CreatedAt, dup.UpdatedAt = s.now(), s.now()
		if err := ensureNameAvailable(ctx, tx, dup.Name, dup.CustomerType, dup.LineageID); err != nil {
			return err
		}
		if err := tx.CreatePlan(ctx, dup); err != nil {
			return fmt.Errorf("failed to create duplicate: %w", err)
		}
		out = dup
		return s.emit(ctx, tx, dup, events.EventCreated, createdBy, fmt.Sprintf("duplicated from %s", id))
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("plan duplicated", "source_id", id, "plan_id", out.ID, "name", out.Name)
	return out, nil
}
