package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
)

type accountData struct {
	customers map[string]*models.Customer
	balances  map[string]*models.TokenBalance
	// ledgers holds each customer's transactions in seq order.
	ledgers  map[string][]*models.TokenTransaction
	grants   map[string]*models.SubscriptionGrant
	replicas map[string]*models.PlanReplica
}

func (d *accountData) clone() *accountData {
	return &accountData{
		customers: maps.Clone(d.customers),
		balances:  maps.Clone(d.balances),
		ledgers:   maps.Clone(d.ledgers),
		grants:    maps.Clone(d.grants),
		replicas:  maps.Clone(d.replicas),
	}
}

// Account is an in-memory AccountStore.
type Account struct {
	core
	data *accountData
}

var _ store.AccountStore = (*Account)(nil)

func NewAccount() *Account {
	return &Account{
		core: core{infra: newInfraData()},
		data: &accountData{
			customers: make(map[string]*models.Customer),
			balances:  make(map[string]*models.TokenBalance),
			ledgers:   make(map[string][]*models.TokenTransaction),
			grants:    make(map[string]*models.SubscriptionGrant),
			replicas:  make(map[string]*models.PlanReplica),
		},
	}
}

func (s *Account) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.AccountTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	infraSnap, dataSnap := s.infra.clone(), s.data.clone()
	if err := fn(ctx, &accountTx{infraData: s.infra, d: s.data}); err != nil {
		s.infra, s.data = infraSnap, dataSnap
		return err
	}
	return nil
}

func (s *Account) View(ctx context.Context, fn func(ctx context.Context, tx store.AccountTx) error) error {
	return s.Atomic(ctx, fn)
}

type accountTx struct {
	*infraData
	d *accountData
}

func (t *accountTx) GetCustomer(_ context.Context, id string, _ bool) (*models.Customer, error) {
	c, ok := t.d.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *accountTx) FindCustomerByEmail(_ context.Context, email string) (*models.Customer, error) {
	for _, c := range t.d.customers {
		if strings.EqualFold(c.Email, email) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *accountTx) emailTaken(c *models.Customer) bool {
	for id, o := range t.d.customers {
		if id != c.ID && strings.EqualFold(o.Email, c.Email) {
			return true
		}
	}
	return false
}

func (t *accountTx) CreateCustomer(_ context.Context, c *models.Customer) error {
	if _, ok := t.d.customers[c.ID]; ok || t.emailTaken(c) {
		return store.ErrDuplicate
	}
	stamp(&c.CreatedAt, &c.UpdatedAt)
	cp := *c
	t.d.customers[c.ID] = &cp
	return nil
}

func (t *accountTx) UpdateCustomer(_ context.Context, c *models.Customer, expectedRevision int64) error {
	cur, ok := t.d.customers[c.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Revision != expectedRevision {
		return store.ErrRevisionConflict
	}
	if t.emailTaken(c) {
		return store.ErrDuplicate
	}
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = time.Now()
	cp := *c
	t.d.customers[c.ID] = &cp
	return nil
}

func (t *accountTx) LockBalance(_ context.Context, customerID string, now time.Time) (*models.TokenBalance, error) {
	b, ok := t.d.balances[customerID]
	if !ok {
		b = &models.TokenBalance{CustomerID: customerID, LastUpdated: now}
		t.d.balances[customerID] = b
	}
	cp := *b
	return &cp, nil
}

func (t *accountTx) GetBalance(_ context.Context, customerID string) (*models.TokenBalance, error) {
	b, ok := t.d.balances[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (t *accountTx) SaveBalance(_ context.Context, b *models.TokenBalance) error {
	cp := *b
	t.d.balances[b.CustomerID] = &cp
	return nil
}

func (t *accountTx) AppendTransaction(_ context.Context, tx *models.TokenTransaction) error {
	ledger := t.d.ledgers[tx.CustomerID]
	for _, e := range ledger {
		if e.Seq == tx.Seq || e.ID == tx.ID {
			return store.ErrDuplicate
		}
	}
	cp := *tx
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	// Copy before appending so a rolled-back snapshot keeps its own slice.
	next := append(slices.Clone(ledger), &cp)
	slices.SortFunc(next, func(a, b *models.TokenTransaction) int { return cmp.Compare(a.Seq, b.Seq) })
	t.d.ledgers[tx.CustomerID] = next
	return nil
}

func (t *accountTx) ListTransactions(_ context.Context, customerID string, offset, limit int) ([]*models.TokenTransaction, int64, error) {
	ledger := t.d.ledgers[customerID]
	newest := make([]*models.TokenTransaction, 0, len(ledger))
	for i := len(ledger) - 1; i >= 0; i-- {
		newest = append(newest, ledger[i])
	}
	offset, limit = store.Page(offset, limit)
	var out []*models.TokenTransaction
	for _, e := range page(newest, offset, limit) {
		cp := *e
		out = append(out, &cp)
	}
	return out, int64(len(ledger)), nil
}

func (t *accountTx) AllTransactions(_ context.Context, customerID string) ([]*models.TokenTransaction, error) {
	ledger := t.d.ledgers[customerID]
	out := make([]*models.TokenTransaction, 0, len(ledger))
	for _, e := range ledger {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (t *accountTx) GetGrant(_ context.Context, subscriptionID string) (*models.SubscriptionGrant, error) {
	g, ok := t.d.grants[subscriptionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (t *accountTx) SaveGrant(_ context.Context, g *models.SubscriptionGrant) error {
	cp := *g
	cp.UpdatedAt = time.Now()
	t.d.grants[g.SubscriptionID] = &cp
	return nil
}

func (t *accountTx) GetPlanReplica(_ context.Context, planID string) (*models.PlanReplica, error) {
	p, ok := t.d.replicas[planID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *accountTx) UpsertPlanReplica(_ context.Context, p *models.PlanReplica) error {
	cp := *p
	cp.UpdatedAt = time.Now()
	t.d.replicas[p.PlanID] = &cp
	return nil
}
