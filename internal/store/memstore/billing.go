package memstore

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/types"
)

type billingData struct {
	plans     map[string]*models.Plan
	subs      map[string]*models.Subscription
	subLogs   []*models.SubscriptionLog
	customers map[string]*models.CustomerReplica
	purchases map[string]*models.TokenPurchaseRecord
	invoices  map[string]*models.Invoice
	payments  map[string]*models.Payment
}

func (d *billingData) clone() *billingData {
	return &billingData{
		plans:     maps.Clone(d.plans),
		subs:      maps.Clone(d.subs),
		subLogs:   slices.Clone(d.subLogs),
		customers: maps.Clone(d.customers),
		purchases: maps.Clone(d.purchases),
		invoices:  maps.Clone(d.invoices),
		payments:  maps.Clone(d.payments),
	}
}

// Billing is an in-memory BillingStore.
type Billing struct {
	core
	data *billingData
}

var _ store.BillingStore = (*Billing)(nil)

func NewBilling() *Billing {
	return &Billing{
		core: core{infra: newInfraData()},
		data: &billingData{
			plans:     make(map[string]*models.Plan),
			subs:      make(map[string]*models.Subscription),
			customers: make(map[string]*models.CustomerReplica),
			purchases: make(map[string]*models.TokenPurchaseRecord),
			invoices:  make(map[string]*models.Invoice),
			payments:  make(map[string]*models.Payment),
		},
	}
}

func (s *Billing) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.BillingTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	infraSnap, dataSnap := s.infra.clone(), s.data.clone()
	if err := fn(ctx, &billingTx{infraData: s.infra, d: s.data}); err != nil {
		s.infra, s.data = infraSnap, dataSnap
		return err
	}
	return nil
}

func (s *Billing) View(ctx context.Context, fn func(ctx context.Context, tx store.BillingTx) error) error {
	return s.Atomic(ctx, fn)
}

// SubscriptionLogs returns the change log of one subscription, oldest first.
func (s *Billing) SubscriptionLogs(subscriptionID string) []*models.SubscriptionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SubscriptionLog
	for _, l := range s.data.subLogs {
		if l.SubscriptionID == subscriptionID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

type billingTx struct {
	*infraData
	d *billingData
}

// Plan names are serialized by the store mutex already.
func (t *billingTx) LockPlanName(context.Context, string, types.CustomerType) error { return nil }

func (t *billingTx) GetPlan(_ context.Context, id string, _ bool) (*models.Plan, error) {
	p, ok := t.d.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p.Clone(), nil
}

func (t *billingTx) FindPlansByName(_ context.Context, name string, customerType types.CustomerType) ([]*models.Plan, error) {
	var out []*models.Plan
	for _, p := range t.d.plans {
		if p.Status == types.PlanStatusDeleted || p.CustomerType != customerType {
			continue
		}
		if strings.EqualFold(p.Name, name) {
			out = append(out, p.Clone())
		}
	}
	sortNewestFirst(out, func(p *models.Plan) (time.Time, string) { return p.CreatedAt, p.ID })
	return out, nil
}

func (t *billingTx) ListPlans(_ context.Context, f store.PlanFilter) ([]*models.Plan, int64, error) {
	var all []*models.Plan
	for _, p := range t.d.plans {
		switch {
		case !f.IncludeDeleted && f.Status != types.PlanStatusDeleted && p.Status == types.PlanStatusDeleted:
			continue
		case f.Status != "" && p.Status != f.Status:
			continue
		case f.CustomerType != "" && p.CustomerType != f.CustomerType:
			continue
		case f.LineageID != "" && p.LineageID != f.LineageID:
			continue
		}
		all = append(all, p)
	}
	sortNewestFirst(all, func(p *models.Plan) (time.Time, string) { return p.CreatedAt, p.ID })
	offset, limit := store.Page(f.Offset, f.Limit)
	out := make([]*models.Plan, 0, limit)
	for _, p := range page(all, offset, limit) {
		out = append(out, p.Clone())
	}
	return out, int64(len(all)), nil
}

func (t *billingTx) CreatePlan(_ context.Context, p *models.Plan) error {
	if _, ok := t.d.plans[p.ID]; ok {
		return store.ErrDuplicate
	}
	stamp(&p.CreatedAt, &p.UpdatedAt)
	t.d.plans[p.ID] = p.Clone()
	return nil
}

func (t *billingTx) UpdatePlan(_ context.Context, p *models.Plan, expectedRevision int64) error {
	cur, ok := t.d.plans[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Revision != expectedRevision {
		return store.ErrRevisionConflict
	}
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = time.Now()
	t.d.plans[p.ID] = p.Clone()
	return nil
}

func (t *billingTx) SavePlanAnalytics(_ context.Context, id string, a types.PlanAnalytics) error {
	cur, ok := t.d.plans[id]
	if !ok {
		return store.ErrNotFound
	}
	cp := cur.Clone()
	cp.Analytics = datatypes.NewJSONType(a.Clone())
	t.d.plans[id] = cp
	return nil
}

func (t *billingTx) GetSubscription(_ context.Context, id string, _ bool) (*models.Subscription, error) {
	s, ok := t.d.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

func (t *billingTx) FindActiveSubscription(_ context.Context, customerID, planID string) (*models.Subscription, error) {
	for _, s := range t.d.subs {
		if s.CustomerID == customerID && s.PlanID == planID && s.Status == types.SubscriptionStatusActive {
			return s.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *billingTx) ListSubscriptions(_ context.Context, f store.SubscriptionFilter) ([]*models.Subscription, int64, error) {
	var all []*models.Subscription
	for _, s := range t.d.subs {
		switch {
		case f.CustomerID != "" && s.CustomerID != f.CustomerID:
			continue
		case f.PlanID != "" && s.PlanID != f.PlanID:
			continue
		case f.Status != "" && s.Status != f.Status:
			continue
		}
		all = append(all, s)
	}
	sortNewestFirst(all, func(s *models.Subscription) (time.Time, string) { return s.CreatedAt, s.ID })
	offset, limit := store.Page(f.Offset, f.Limit)
	out := make([]*models.Subscription, 0, limit)
	for _, s := range page(all, offset, limit) {
		out = append(out, s.Clone())
	}
	return out, int64(len(all)), nil
}

func (t *billingTx) CountSubscriptionsByStatus(_ context.Context, planID string) (map[types.SubscriptionStatus]int64, error) {
	counts := make(map[types.SubscriptionStatus]int64)
	for _, s := range t.d.subs {
		if s.PlanID == planID {
			counts[s.Status]++
		}
	}
	return counts, nil
}

// activeConflict mirrors the partial unique index on ACTIVE (customer, plan) pairs.
func (t *billingTx) activeConflict(s *models.Subscription) bool {
	if s.Status != types.SubscriptionStatusActive {
		return false
	}
	for id, o := range t.d.subs {
		if id != s.ID && o.Status == types.SubscriptionStatusActive && o.CustomerID == s.CustomerID && o.PlanID == s.PlanID {
			return true
		}
	}
	return false
}

func (t *billingTx) CreateSubscription(_ context.Context, s *models.Subscription) error {
	if _, ok := t.d.subs[s.ID]; ok || t.activeConflict(s) {
		return store.ErrDuplicate
	}
	stamp(&s.CreatedAt, &s.UpdatedAt)
	t.d.subs[s.ID] = s.Clone()
	return nil
}

func (t *billingTx) UpdateSubscription(_ context.Context, s *models.Subscription, expectedRevision int64) error {
	cur, ok := t.d.subs[s.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Revision != expectedRevision {
		return store.ErrRevisionConflict
	}
	if t.activeConflict(s) {
		return store.ErrDuplicate
	}
	s.CreatedAt = cur.CreatedAt
	s.UpdatedAt = time.Now()
	t.d.subs[s.ID] = s.Clone()
	return nil
}

func (t *billingTx) AddSubscriptionLog(_ context.Context, l *models.SubscriptionLog) error {
	cp := *l
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.Extra = maps.Clone(l.Extra)
	t.d.subLogs = append(t.d.subLogs, &cp)
	return nil
}

func (t *billingTx) GetCustomerReplica(_ context.Context, customerID string) (*models.CustomerReplica, error) {
	c, ok := t.d.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *billingTx) UpsertCustomerReplica(_ context.Context, c *models.CustomerReplica) error {
	cp := *c
	cp.UpdatedAt = time.Now()
	t.d.customers[c.CustomerID] = &cp
	return nil
}

func (t *billingTx) AddTokenPurchaseRecord(_ context.Context, r *models.TokenPurchaseRecord) error {
	if _, ok := t.d.purchases[r.EventID]; ok {
		return store.ErrDuplicate
	}
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	t.d.purchases[r.EventID] = &cp
	return nil
}

func (t *billingTx) CreateInvoice(_ context.Context, inv *models.Invoice) error {
	if _, ok := t.d.invoices[inv.ID]; ok {
		return store.ErrDuplicate
	}
	stamp(&inv.CreatedAt, &inv.UpdatedAt)
	cp := *inv
	t.d.invoices[inv.ID] = &cp
	return nil
}

func (t *billingTx) GetInvoice(_ context.Context, id string, _ bool) (*models.Invoice, error) {
	inv, ok := t.d.invoices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (t *billingTx) UpdateInvoice(_ context.Context, inv *models.Invoice, expectedRevision int64) error {
	cur, ok := t.d.invoices[inv.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Revision != expectedRevision {
		return store.ErrRevisionConflict
	}
	inv.CreatedAt = cur.CreatedAt
	inv.UpdatedAt = time.Now()
	cp := *inv
	t.d.invoices[inv.ID] = &cp
	return nil
}

func (t *billingTx) CreatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := t.d.payments[p.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	t.d.payments[p.ID] = &cp
	return nil
}

func sortNewestFirst[T any](items []T, key func(T) (time.Time, string)) {
	slices.SortFunc(items, func(a, b T) int {
		at, aid := key(a)
		bt, bid := key(b)
		if c := bt.Compare(at); c != 0 {
			return c
		}
		return strings.Compare(bid, aid)
	})
}
