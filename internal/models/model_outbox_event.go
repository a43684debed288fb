package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/events"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusDispatched OutboxStatus = "DISPATCHED"
	OutboxStatusDead       OutboxStatus = "DEAD"
)

// OutboxEvent is an envelope written in the same transaction as the state
// change it describes; the dispatcher publishes it afterwards.
type OutboxEvent struct {
	ID            string            `gorm:"column:id;type:varchar(64);primary_key" json:"id"`
	Topic         events.Topic      `gorm:"column:topic;type:varchar(64);not null" json:"topic"`
	EntityType    events.EntityType `gorm:"column:entity_type;type:varchar(32);not null" json:"entity_type"`
	EntityID      string            `gorm:"column:entity_id;type:varchar(64);not null;index" json:"entity_id"`
	Version       int64             `gorm:"column:version;not null" json:"version"`
	EventType     events.EventType  `gorm:"column:event_type;type:varchar(32);not null" json:"event_type"`
	Payload       datatypes.JSON    `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	Status        OutboxStatus      `gorm:"column:status;type:varchar(16);not null;index:idx_outbox_due,priority:1" json:"status"`
	Attempts      int               `gorm:"column:attempts;not null" json:"attempts"`
	NextAttemptAt time.Time         `gorm:"column:next_attempt_at;not null;index:idx_outbox_due,priority:2" json:"next_attempt_at"`
	LastError     string            `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	DispatchedAt  *time.Time        `gorm:"column:dispatched_at" json:"dispatched_at"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (OutboxEvent) TableName() string {
	return "outbox_event"
}

func NewOutboxEvent(env *events.Envelope) (*OutboxEvent, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	return &OutboxEvent{
		ID:            env.ID,
		Topic:         env.Topic,
		EntityType:    env.EntityType,
		EntityID:      env.EntityID,
		Version:       env.Version,
		EventType:     env.EventType,
		Payload:       datatypes.JSON(raw),
		Status:        OutboxStatusPending,
		NextAttemptAt: env.Timestamp,
		CreatedAt:     env.Timestamp,
		UpdatedAt:     env.Timestamp,
	}, nil
}

func (o *OutboxEvent) Envelope() (*events.Envelope, error) {
	return events.Parse(o.Payload)
}

func (o *OutboxEvent) Clone() *OutboxEvent {
	cp := *o
	cp.Payload = append(datatypes.JSON(nil), o.Payload...)
	return &cp
}

// OutboxStats counts outbox rows per status.
type OutboxStats struct {
	Pending    int64 `json:"pending"`
	Dispatched int64 `json:"dispatched"`
	Dead       int64 `json:"dead"`
}
