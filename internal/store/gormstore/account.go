package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
)

// Account is the PostgreSQL AccountStore.
type Account struct {
	infra
}

var _ store.AccountStore = (*Account)(nil)

func NewAccount(db *gorm.DB) *Account {
	return &Account{infra: infra{db: db}}
}

func (s *Account) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.AccountTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &accountTx{inbox: inbox{db: tx}, db: tx})
	})
}

func (s *Account) View(ctx context.Context, fn func(ctx context.Context, tx store.AccountTx) error) error {
	db := s.db.WithContext(ctx)
	return fn(ctx, &accountTx{inbox: inbox{db: db}, db: db})
}

type accountTx struct {
	inbox
	db *gorm.DB
}

func (t *accountTx) GetCustomer(_ context.Context, id string, forUpdate bool) (*models.Customer, error) {
	var c models.Customer
	if err := lockFor(t.db, forUpdate).Take(&c, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (t *accountTx) FindCustomerByEmail(_ context.Context, email string) (*models.Customer, error) {
	var c models.Customer
	if err := t.db.Take(&c, "LOWER(email) = LOWER(?)", email).Error; err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (t *accountTx) CreateCustomer(_ context.Context, c *models.Customer) error {
	return mapErr(t.db.Create(c).Error)
}

func (t *accountTx) UpdateCustomer(_ context.Context, c *models.Customer, expectedRevision int64) error {
	return casUpdate(t.db, c, c.ID, expectedRevision)
}

func (t *accountTx) LockBalance(_ context.Context, customerID string, now time.Time) (*models.TokenBalance, error) {
	if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.TokenBalance{CustomerID: customerID, LastUpdated: now}).Error; err != nil {
		return nil, err
	}
	var b models.TokenBalance
	if err := lockFor(t.db, true).Take(&b, "customer_id = ?", customerID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &b, nil
}

func (t *accountTx) GetBalance(_ context.Context, customerID string) (*models.TokenBalance, error) {
	var b models.TokenBalance
	if err := t.db.Take(&b, "customer_id = ?", customerID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &b, nil
}

func (t *accountTx) SaveBalance(_ context.Context, b *models.TokenBalance) error {
	return t.db.Save(b).Error
}

func (t *accountTx) AppendTransaction(_ context.Context, tx *models.TokenTransaction) error {
	return mapErr(t.db.Create(tx).Error)
}

func (t *accountTx) ListTransactions(_ context.Context, customerID string, offset, limit int) ([]*models.TokenTransaction, int64, error) {
	q := t.db.Model(&models.TokenTransaction{}).Where("customer_id = ?", customerID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset, limit = store.Page(offset, limit)
	var out []*models.TokenTransaction
	err := q.Order("seq DESC").Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}

func (t *accountTx) AllTransactions(_ context.Context, customerID string) ([]*models.TokenTransaction, error) {
	var out []*models.TokenTransaction
	err := t.db.Where("customer_id = ?", customerID).Order("seq ASC").Find(&out).Error
	return out, err
}

// takeGrantForUpdate locks the grant so a concurrent re-baseline of the same
// subscription waits for this one to commit.
func takeGrantForUpdate(db *gorm.DB, subscriptionID string, g *models.SubscriptionGrant) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"}).Take(g, "subscription_id = ?", subscriptionID)
}

func (t *accountTx) GetGrant(_ context.Context, subscriptionID string) (*models.SubscriptionGrant, error) {
	var g models.SubscriptionGrant
	if err := takeGrantForUpdate(t.db, subscriptionID, &g).Error; err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (t *accountTx) SaveGrant(_ context.Context, g *models.SubscriptionGrant) error {
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(g).Error
}

func (t *accountTx) GetPlanReplica(_ context.Context, planID string) (*models.PlanReplica, error) {
	var p models.PlanReplica
	if err := t.db.Take(&p, "plan_id = ?", planID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (t *accountTx) UpsertPlanReplica(_ context.Context, p *models.PlanReplica) error {
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(p).Error
}
