package gormstore

import (
	"context"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// Billing is the PostgreSQL BillingStore.
type Billing struct {
	infra
}

var _ store.BillingStore = (*Billing)(nil)

func NewBilling(db *gorm.DB) *Billing {
	return &Billing{infra: infra{db: db}}
}

func (s *Billing) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.BillingTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &billingTx{inbox: inbox{db: tx}, db: tx})
	})
}

func (s *Billing) View(ctx context.Context, fn func(ctx context.Context, tx store.BillingTx) error) error {
	db := s.db.WithContext(ctx)
	return fn(ctx, &billingTx{inbox: inbox{db: db}, db: db})
}

type billingTx struct {
	inbox
	db *gorm.DB
}

func (t *billingTx) LockPlanName(_ context.Context, name string, customerType types.CustomerType) error {
	key := strings.ToLower(name) + "|" + string(customerType)
	return t.db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error
}

func (t *billingTx) GetPlan(_ context.Context, id string, forUpdate bool) (*models.Plan, error) {
	var p models.Plan
	if err := lockFor(t.db, forUpdate).Take(&p, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (t *billingTx) FindPlansByName(_ context.Context, name string, customerType types.CustomerType) ([]*models.Plan, error) {
	var out []*models.Plan
	err := t.db.Where("LOWER(name) = LOWER(?) AND customer_type = ? AND status <> ?", name, customerType, types.PlanStatusDeleted).
		Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

func (t *billingTx) ListPlans(_ context.Context, f store.PlanFilter) ([]*models.Plan, int64, error) {
	q := t.db.Model(&models.Plan{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	} else if !f.IncludeDeleted {
		q = q.Where("status <> ?", types.PlanStatusDeleted)
	}
	if f.CustomerType != "" {
		q = q.Where("customer_type = ?", f.CustomerType)
	}
	if f.LineageID != "" {
		q = q.Where("lineage_id = ?", f.LineageID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset, limit := store.Page(f.Offset, f.Limit)
	var out []*models.Plan
	err := q.Order("created_at DESC, id DESC").Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}

func (t *billingTx) CreatePlan(_ context.Context, p *models.Plan) error {
	return mapErr(t.db.Create(p).Error)
}

func (t *billingTx) UpdatePlan(_ context.Context, p *models.Plan, expectedRevision int64) error {
	return casUpdate(t.db, p, p.ID, expectedRevision)
}

func (t *billingTx) SavePlanAnalytics(_ context.Context, id string, a types.PlanAnalytics) error {
	res := t.db.Model(&models.Plan{}).Where("id = ?", id).UpdateColumn("analytics", datatypes.NewJSONType(a))
	if res.Error == nil && res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return res.Error
}

func (t *billingTx) GetSubscription(_ context.Context, id string, forUpdate bool) (*models.Subscription, error) {
	var s models.Subscription
	if err := lockFor(t.db, forUpdate).Take(&s, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (t *billingTx) FindActiveSubscription(_ context.Context, customerID, planID string) (*models.Subscription, error) {
	var s models.Subscription
	err := t.db.Where("customer_id = ? AND plan_id = ? AND status = ?", customerID, planID, types.SubscriptionStatusActive).
		Take(&s).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (t *billingTx) ListSubscriptions(_ context.Context, f store.SubscriptionFilter) ([]*models.Subscription, int64, error) {
	q := t.db.Model(&models.Subscription{})
	if f.CustomerID != "" {
		q = q.Where("customer_id = ?", f.CustomerID)
	}
	if f.PlanID != "" {
		q = q.Where("plan_id = ?", f.PlanID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset, limit := store.Page(f.Offset, f.Limit)
	var out []*models.Subscription
	err := q.Order("created_at DESC, id DESC").Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}

func (t *billingTx) CountSubscriptionsByStatus(_ context.Context, planID string) (map[types.SubscriptionStatus]int64, error) {
	var rows []struct {
		Status types.SubscriptionStatus
		N      int64
	}
	if err := t.db.Model(&models.Subscription{}).Select("status, COUNT(*) AS n").
		Where("plan_id = ?", planID).Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[types.SubscriptionStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (t *billingTx) CreateSubscription(_ context.Context, s *models.Subscription) error {
	return mapErr(t.db.Create(s).Error)
}

func (t *billingTx) UpdateSubscription(_ context.Context, s *models.Subscription, expectedRevision int64) error {
	return casUpdate(t.db, s, s.ID, expectedRevision)
}

func (t *billingTx) AddSubscriptionLog(_ context.Context, l *models.SubscriptionLog) error {
	return t.db.Create(l).Error
}

func (t *billingTx) GetCustomerReplica(_ context.Context, customerID string) (*models.CustomerReplica, error) {
	var c models.CustomerReplica
	if err := t.db.Take(&c, "customer_id = ?", customerID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (t *billingTx) UpsertCustomerReplica(_ context.Context, c *models.CustomerReplica) error {
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(c).Error
}

func (t *billingTx) AddTokenPurchaseRecord(_ context.Context, r *models.TokenPurchaseRecord) error {
	res := insertPurchaseRecord(t.db, r)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrDuplicate
	}
	return nil
}

// insertPurchaseRecord skips a replayed event without raising a unique
// violation, which would abort the surrounding transaction.
func insertPurchaseRecord(db *gorm.DB, r *models.TokenPurchaseRecord) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(r)
}

func (t *billingTx) CreateInvoice(_ context.Context, inv *models.Invoice) error {
	return mapErr(t.db.Create(inv).Error)
}

func (t *billingTx) GetInvoice(_ context.Context, id string, forUpdate bool) (*models.Invoice, error) {
	var inv models.Invoice
	if err := lockFor(t.db, forUpdate).Take(&inv, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &inv, nil
}

func (t *billingTx) UpdateInvoice(_ context.Context, inv *models.Invoice, expectedRevision int64) error {
	return casUpdate(t.db, inv, inv.ID, expectedRevision)
}

func (t *billingTx) CreatePayment(_ context.Context, p *models.Payment) error {
	return mapErr(t.db.Create(p).Error)
}
