package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/events"
)

// AppliedVersion is a consumer's watermark for a snapshot entity.
type AppliedVersion struct {
	EntityType events.EntityType `gorm:"column:entity_type;type:varchar(32);primary_key" json:"entity_type"`
	EntityID   string            `gorm:"column:entity_id;type:varchar(64);primary_key" json:"entity_id"`
	Version    int64             `gorm:"column:version;not null" json:"version"`
	EventID    string            `gorm:"column:event_id;type:varchar(64)" json:"event_id"`
	AppliedAt  time.Time         `gorm:"column:applied_at" json:"applied_at"`
}

func (AppliedVersion) TableName() string {
	return "applied_version"
}

// ProcessedEvent deduplicates fact events by id.
type ProcessedEvent struct {
	EventID     string       `gorm:"column:event_id;type:varchar(64);primary_key" json:"event_id"`
	Topic       events.Topic `gorm:"column:topic;type:varchar(64)" json:"topic"`
	ProcessedAt time.Time    `gorm:"column:processed_at" json:"processed_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_event"
}

type DeadLetterStatus string

const (
	DeadLetterStatusOpen     DeadLetterStatus = "OPEN"
	DeadLetterStatusRequeued DeadLetterStatus = "REQUEUED"
	DeadLetterStatusResolved DeadLetterStatus = "RESOLVED"
)

// DeadLetter keeps an inbound event the consumer could not apply.
type DeadLetter struct {
	ID         string            `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventID    string            `gorm:"column:event_id;type:varchar(64);index" json:"event_id"`
	Topic      events.Topic      `gorm:"column:topic;type:varchar(64)" json:"topic"`
	EntityType events.EntityType `gorm:"column:entity_type;type:varchar(32)" json:"entity_type"`
	EntityID   string            `gorm:"column:entity_id;type:varchar(64)" json:"entity_id"`
	Version    int64             `gorm:"column:version" json:"version"`
	Payload    datatypes.JSON    `gorm:"column:payload;type:jsonb" json:"payload"`
	Error      string            `gorm:"column:error;type:text" json:"error"`
	Attempts   int               `gorm:"column:attempts;not null" json:"attempts"`
	Status     DeadLetterStatus  `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (DeadLetter) TableName() string {
	return "dead_letter"
}

func (d *DeadLetter) Clone() *DeadLetter {
	cp := *d
	cp.Payload = append(datatypes.JSON(nil), d.Payload...)
	return &cp
}

type EventLogStatus string

const (
	EventLogStatusReceived EventLogStatus = "received"
	EventLogStatusApplied  EventLogStatus = "applied"
	EventLogStatusSkipped  EventLogStatus = "skipped"
	EventLogStatusFailed   EventLogStatus = "failed"
)

// EventLog audits inbound envelopes and what the consumer did with them.
type EventLog struct {
	ID         string            `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventID    string            `gorm:"column:event_id;type:varchar(64);index" json:"event_id"`
	Topic      events.Topic      `gorm:"column:topic;type:varchar(64)" json:"topic"`
	EntityType events.EntityType `gorm:"column:entity_type;type:varchar(32)" json:"entity_type"`
	EntityID   string            `gorm:"column:entity_id;type:varchar(64)" json:"entity_id"`
	Version    int64             `gorm:"column:version" json:"version"`
	EventType  events.EventType  `gorm:"column:event_type;type:varchar(32)" json:"event_type"`
	TraceID    string            `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	Status     EventLogStatus    `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Detail     string            `gorm:"column:detail;type:text" json:"detail,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (EventLog) TableName() string { return "event_log" }
