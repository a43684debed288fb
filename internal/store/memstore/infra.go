// Package memstore is an in-process implementation of the store contracts. A
// single mutex serializes every transaction and a failed transaction restores
// the snapshot taken when it began. Records are copied on the way in and out,
// so stored values are never mutated in place.
package memstore

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
)

type infraData struct {
	outbox      map[string]*models.OutboxEvent
	applied     map[string]*models.AppliedVersion
	processed   map[string]*models.ProcessedEvent
	deadLetters map[string]*models.DeadLetter
	eventLogs   []*models.EventLog
}

func newInfraData() *infraData {
	return &infraData{
		outbox:      make(map[string]*models.OutboxEvent),
		applied:     make(map[string]*models.AppliedVersion),
		processed:   make(map[string]*models.ProcessedEvent),
		deadLetters: make(map[string]*models.DeadLetter),
	}
}

func (d *infraData) clone() *infraData {
	return &infraData{
		outbox:      maps.Clone(d.outbox),
		applied:     maps.Clone(d.applied),
		processed:   maps.Clone(d.processed),
		deadLetters: maps.Clone(d.deadLetters),
		eventLogs:   slices.Clone(d.eventLogs),
	}
}

func appliedKey(t events.EntityType, id string) string { return string(t) + "/" + id }

func (d *infraData) AppliedVersion(_ context.Context, t events.EntityType, id string) (int64, error) {
	if v, ok := d.applied[appliedKey(t, id)]; ok {
		return v.Version, nil
	}
	return 0, nil
}

func (d *infraData) AdvanceVersion(_ context.Context, v *models.AppliedVersion) (bool, error) {
	key := appliedKey(v.EntityType, v.EntityID)
	if cur, ok := d.applied[key]; ok && cur.Version >= v.Version {
		return false, nil
	}
	cp := *v
	d.applied[key] = &cp
	return true, nil
}

func (d *infraData) MarkProcessed(_ context.Context, eventID string, topic events.Topic, at time.Time) (bool, error) {
	if _, ok := d.processed[eventID]; ok {
		return false, nil
	}
	d.processed[eventID] = &models.ProcessedEvent{EventID: eventID, Topic: topic, ProcessedAt: at}
	return true, nil
}

func (d *infraData) Enqueue(_ context.Context, e *models.OutboxEvent) error {
	if _, ok := d.outbox[e.ID]; ok {
		return store.ErrDuplicate
	}
	d.outbox[e.ID] = e.Clone()
	return nil
}

// core carries the lock and the tables every authority has.
type core struct {
	mu    sync.Mutex
	infra *infraData
}

func outboxEntityKey(e *models.OutboxEvent) string { return appliedKey(e.EntityType, e.EntityID) }

func outboxOrder(a, b *models.OutboxEvent) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func (c *core) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// oldest pending row per entity that is leased or backing off
	waiting := make(map[string]*models.OutboxEvent)
	var due []*models.OutboxEvent
	for _, e := range c.infra.outbox {
		if e.Status != models.OutboxStatusPending {
			continue
		}
		if !e.NextAttemptAt.After(now) {
			due = append(due, e)
			continue
		}
		key := outboxEntityKey(e)
		if w, ok := waiting[key]; !ok || outboxOrder(e, w) < 0 {
			waiting[key] = e
		}
	}
	due = slices.DeleteFunc(due, func(e *models.OutboxEvent) bool {
		w, ok := waiting[outboxEntityKey(e)]
		return ok && outboxOrder(w, e) < 0
	})
	slices.SortFunc(due, outboxOrder)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*models.OutboxEvent, 0, len(due))
	for _, e := range due {
		claimed := e.Clone()
		claimed.NextAttemptAt = now.Add(lease)
		c.infra.outbox[e.ID] = claimed
		out = append(out, claimed.Clone())
	}
	return out, nil
}

func (c *core) MarkDispatched(_ context.Context, id string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.infra.outbox[id]
	if !ok {
		return store.ErrNotFound
	}
	cp := e.Clone()
	cp.Status = models.OutboxStatusDispatched
	cp.DispatchedAt = &at
	cp.LastError = ""
	cp.UpdatedAt = at
	c.infra.outbox[id] = cp
	return nil
}

func (c *core) MarkFailed(_ context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.infra.outbox[id]
	if !ok {
		return store.ErrNotFound
	}
	cp := e.Clone()
	cp.Attempts = attempts
	cp.NextAttemptAt = next
	cp.LastError = lastErr
	cp.UpdatedAt = time.Now()
	if dead {
		cp.Status = models.OutboxStatusDead
	}
	c.infra.outbox[id] = cp
	return nil
}

func (c *core) OutboxStats(_ context.Context) (*models.OutboxStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var st models.OutboxStats
	for _, e := range c.infra.outbox {
		switch e.Status {
		case models.OutboxStatusPending:
			st.Pending++
		case models.OutboxStatusDispatched:
			st.Dispatched++
		case models.OutboxStatusDead:
			st.Dead++
		}
	}
	return &st, nil
}

// OutboxEvents returns every outbox row ordered by creation, for tests and debugging.
func (c *core) OutboxEvents() []*models.OutboxEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.OutboxEvent, 0, len(c.infra.outbox))
	for _, e := range c.infra.outbox {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b *models.OutboxEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (c *core) AddDeadLetter(_ context.Context, d *models.DeadLetter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.infra.deadLetters[d.ID]; ok {
		return store.ErrDuplicate
	}
	cp := d.Clone()
	stamp(&cp.CreatedAt, &cp.UpdatedAt)
	c.infra.deadLetters[d.ID] = cp
	return nil
}

func (c *core) GetDeadLetter(_ context.Context, id string) (*models.DeadLetter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.infra.deadLetters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d.Clone(), nil
}

func (c *core) ListDeadLetters(_ context.Context, f store.DeadLetterFilter) ([]*models.DeadLetter, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []*models.DeadLetter
	for _, d := range c.infra.deadLetters {
		if f.Status == "" || d.Status == f.Status {
			all = append(all, d)
		}
	}
	slices.SortFunc(all, func(a, b *models.DeadLetter) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	offset, limit := store.Page(f.Offset, f.Limit)
	var out []*models.DeadLetter
	for _, d := range page(all, offset, limit) {
		out = append(out, d.Clone())
	}
	return out, int64(len(all)), nil
}

func (c *core) SetDeadLetterStatus(_ context.Context, id string, status models.DeadLetterStatus, lastErr string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.infra.deadLetters[id]
	if !ok {
		return store.ErrNotFound
	}
	cp := d.Clone()
	cp.Status = status
	if lastErr != "" {
		cp.Error = lastErr
	}
	cp.Attempts++
	cp.UpdatedAt = at
	c.infra.deadLetters[id] = cp
	return nil
}

func (c *core) SaveEventLog(_ context.Context, l *models.EventLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *l
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	c.infra.eventLogs = append(c.infra.eventLogs, &cp)
	return nil
}

// EventLogs returns the saved inbound event log entries in insertion order.
func (c *core) EventLogs() []models.EventLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventLog, 0, len(c.infra.eventLogs))
	for _, l := range c.infra.eventLogs {
		out = append(out, *l)
	}
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func stamp(created, updated *time.Time) {
	now := time.Now()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}
