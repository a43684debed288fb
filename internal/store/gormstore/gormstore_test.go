package gormstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
)

func TestMapErr(t *testing.T) {
	other := errors.New("connection reset")
	tests := []struct {
		name string
		in   error
		want error
	}{
		{name: "nil", in: nil, want: nil},
		{name: "not found", in: fmt.Errorf("take: %w", gorm.ErrRecordNotFound), want: store.ErrNotFound},
		{name: "duplicate", in: gorm.ErrDuplicatedKey, want: store.ErrDuplicate},
		{name: "passthrough", in: other, want: other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapErr(tt.in)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

// dryRun builds statements without a live server.
func dryRun(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=test dbname=test sslmode=disable"}), &gorm.Config{
		DryRun:                 true,
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	require.NoError(t, err)
	return db
}

func TestDueQuery_SkipsLockedRows(t *testing.T) {
	db := dryRun(t)
	var rows []*models.OutboxEvent
	stmt := dueQuery(db, time.Now(), 25).Find(&rows).Statement
	sql := stmt.SQL.String()
	assert.Contains(t, sql, `FROM "outbox_event"`)
	assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, sql, "NOT EXISTS (SELECT 1 FROM outbox_event o")
	assert.Contains(t, sql, "o.next_attempt_at >")
	assert.Contains(t, sql, "ORDER BY created_at, id")
	assert.Contains(t, sql, "LIMIT")
}

func TestBetween(t *testing.T) {
	db := dryRun(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var out []models.Payment

	sql := between(db.Model(&models.Payment{}), "received_at", from, time.Time{}).Find(&out).Statement.SQL.String()
	assert.Contains(t, sql, "received_at >= $1")
	assert.NotContains(t, sql, "received_at <")
}

func TestAdvanceVersion_OnlyMovesForward(t *testing.T) {
	db := dryRun(t)
	v := &models.AppliedVersion{EntityType: events.EntitySubscription, EntityID: "sub-1", Version: 3, EventID: "evt_3", AppliedAt: time.Now()}
	sql := advanceVersion(db, v).Statement.SQL.String()
	assert.Contains(t, sql, `INSERT INTO "applied_version"`)
	assert.Contains(t, sql, `ON CONFLICT ("entity_type","entity_id") DO UPDATE SET`)
	assert.Contains(t, sql, `WHERE "applied_version"."version" < excluded."version"`)
}

func TestGrantIsReadForUpdate(t *testing.T) {
	db := dryRun(t)
	var g models.SubscriptionGrant
	sql := takeGrantForUpdate(db, "sub-1", &g).Statement.SQL.String()
	assert.Contains(t, sql, "subscription_id = $1")
	assert.Contains(t, sql, "FOR UPDATE")
}

func TestPurchaseRecordIgnoresReplayedEvent(t *testing.T) {
	db := dryRun(t)
	rec := &models.TokenPurchaseRecord{ID: "3f1c2b9e-8d2f-4a51-9f64-0d6b7c1e2a10", EventID: "evt_1", CustomerID: "cus_1", Tokens: 100}
	sql := insertPurchaseRecord(db, rec).Statement.SQL.String()
	assert.Contains(t, sql, `INSERT INTO "token_purchase_record"`)
	assert.Contains(t, sql, `ON CONFLICT ("event_id") DO NOTHING`)
}
