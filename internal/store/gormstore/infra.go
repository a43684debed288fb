// Package gormstore implements the store contracts on PostgreSQL through gorm.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
)

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrDuplicate
	}
	return err
}

func lockFor(db *gorm.DB, forUpdate bool) *gorm.DB {
	if forUpdate {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

// casUpdate writes every column of model except id and created_at when the
// stored revision equals expected.
func casUpdate(db *gorm.DB, model any, id string, expected int64) error {
	res := db.Model(model).Where("revision = ?", expected).Select("*").Omit("id", "created_at").Updates(model)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := db.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrRevisionConflict
}

// inbox implements store.Inbox and store.Enqueuer on a transaction handle.
type inbox struct {
	db *gorm.DB
}

func (i inbox) AppliedVersion(_ context.Context, t events.EntityType, id string) (int64, error) {
	var v models.AppliedVersion
	err := i.db.Where("entity_type = ? AND entity_id = ?", t, id).Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return v.Version, err
}

func advanceVersion(db *gorm.DB, v *models.AppliedVersion) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "event_id", "applied_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: `"applied_version"."version" < excluded."version"`},
		}},
	}).Create(v)
}

func (i inbox) AdvanceVersion(_ context.Context, v *models.AppliedVersion) (bool, error) {
	res := advanceVersion(i.db, v)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (i inbox) MarkProcessed(_ context.Context, eventID string, topic events.Topic, at time.Time) (bool, error) {
	res := i.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ProcessedEvent{EventID: eventID, Topic: topic, ProcessedAt: at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (i inbox) Enqueue(_ context.Context, e *models.OutboxEvent) error {
	return mapErr(i.db.Create(e).Error)
}

// infra implements store.Infra against the authority's database.
type infra struct {
	db *gorm.DB
}

// notBehindWaiting excludes rows whose entity still has an older pending row
// that is leased or waiting for a retry; they must not overtake it.
const notBehindWaiting = `NOT EXISTS (SELECT 1 FROM outbox_event o
	WHERE o.entity_type = outbox_event.entity_type AND o.entity_id = outbox_event.entity_id
	AND o.status = ? AND o.next_attempt_at > ?
	AND (o.created_at < outbox_event.created_at OR (o.created_at = outbox_event.created_at AND o.id < outbox_event.id)))`

func dueQuery(db *gorm.DB, now time.Time, limit int) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND next_attempt_at <= ?", models.OutboxStatusPending, now).
		Where(notBehindWaiting, models.OutboxStatusPending, now).
		Order("created_at, id").
		Limit(limit)
}

func (s infra) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	var rows []*models.OutboxEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := dueQuery(tx, now, limit).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		next := now.Add(lease)
		ids := lo.Map(rows, func(r *models.OutboxEvent, _ int) string { return r.ID })
		if err := tx.Model(&models.OutboxEvent{}).Where("id IN ?", ids).
			Updates(map[string]any{"next_attempt_at": next, "updated_at": now}).Error; err != nil {
			return err
		}
		for _, r := range rows {
			r.NextAttemptAt = next
		}
		return nil
	})
	return rows, err
}

func (s infra) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]any{
		"status":        models.OutboxStatusDispatched,
		"dispatched_at": at,
		"last_error":    "",
		"updated_at":    at,
	})
	if res.Error == nil && res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return res.Error
}

func (s infra) MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	updates := map[string]any{
		"attempts":        attempts,
		"next_attempt_at": next,
		"last_error":      lastErr,
		"updated_at":      time.Now(),
	}
	if dead {
		updates["status"] = models.OutboxStatusDead
	}
	res := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(updates)
	if res.Error == nil && res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return res.Error
}

func (s infra) OutboxStats(ctx context.Context) (*models.OutboxStats, error) {
	var rows []struct {
		Status models.OutboxStatus
		N      int64
	}
	if err := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	var st models.OutboxStats
	for _, r := range rows {
		switch r.Status {
		case models.OutboxStatusPending:
			st.Pending = r.N
		case models.OutboxStatusDispatched:
			st.Dispatched = r.N
		case models.OutboxStatusDead:
			st.Dead = r.N
		}
	}
	return &st, nil
}

func (s infra) AddDeadLetter(ctx context.Context, d *models.DeadLetter) error {
	return mapErr(s.db.WithContext(ctx).Create(d).Error)
}

func (s infra) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	var d models.DeadLetter
	if err := s.db.WithContext(ctx).Take(&d, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (s infra) ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]*models.DeadLetter, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.DeadLetter{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset, limit := store.Page(f.Offset, f.Limit)
	var out []*models.DeadLetter
	err := q.Order("created_at DESC, id DESC").Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}

func (s infra) SetDeadLetterStatus(ctx context.Context, id string, status models.DeadLetterStatus, lastErr string, at time.Time) error {
	updates := map[string]any{
		"status":     status,
		"attempts":   gorm.Expr("attempts + 1"),
		"updated_at": at,
	}
	if lastErr != "" {
		updates["error"] = lastErr
	}
	res := s.db.WithContext(ctx).Model(&models.DeadLetter{}).Where("id = ?", id).Updates(updates)
	if res.Error == nil && res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return res.Error
}

func (s infra) SaveEventLog(ctx context.Context, l *models.EventLog) error {
	return s.db.WithContext(ctx).Create(l).Error
}
