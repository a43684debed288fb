// Package events defines the wire contract exchanged between the billing and
// account authorities: a versioned envelope and one payload type per event.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatflowers/tokenbill/pkg/tool"
)

type Topic string

const (
	TopicPlans         Topic = "billing.plans"
	TopicSubscriptions Topic = "billing.subscriptions"
	TopicInvoices      Topic = "billing.invoices"
	TopicTokens        Topic = "account.tokens"
	TopicCustomers     Topic = "account.customers"
)

// Consumer returns the authority that applies events of this topic, or ""
// when nothing subscribes to it.
func (t Topic) Consumer() string {
	switch t {
	case TopicPlans, TopicSubscriptions:
		return SourceAccount
	case TopicTokens, TopicCustomers:
		return SourceBilling
	}
	return ""
}

const (
	SourceBilling = "billing"
	SourceAccount = "account"
)

type EntityType string

const (
	EntityPlan         EntityType = "plan"
	EntitySubscription EntityType = "subscription"
	EntityCustomer     EntityType = "customer"
	EntityTokenAccount EntityType = "token_account"
	EntityInvoice      EntityType = "invoice"
	EntityPayment      EntityType = "payment"
)

// Snapshot entities carry full state and are applied only when newer than the
// last applied version. Everything else is a fact deduplicated by event id.
func (e EntityType) Snapshot() bool {
	return e == EntityPlan || e == EntitySubscription || e == EntityCustomer
}

type EventType string

const (
	EventCreated              EventType = "CREATED"
	EventUpdated              EventType = "UPDATED"
	EventDeployed             EventType = "DEPLOYED"
	EventArchived             EventType = "ARCHIVED"
	EventDeleted              EventType = "DELETED"
	EventCanceled             EventType = "CANCELED"
	EventTokensPurchased      EventType = "TOKENS_PURCHASED"
	EventTokensAllocated      EventType = "TOKENS_ALLOCATED"
	EventInvoiceCreated       EventType = "INVOICE_CREATED"
	EventInvoiceStatusChanged EventType = "INVOICE_STATUS_CHANGED"
	EventPaymentReceived      EventType = "PAYMENT_RECEIVED"
)

type Envelope struct {
	ID          string          `json:"id"`
	Topic       Topic           `json:"topic"`
	EntityType  EntityType      `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Version     int64           `json:"version"`
	EventType   EventType       `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	TriggeredBy string          `json:"triggeredBy"`
	Reason      string          `json:"reason,omitempty"`
	Source      string          `json:"source"`
}

// Meta carries the envelope fields a producer chooses; id and timestamp are filled in.
type Meta struct {
	Topic       Topic
	EntityType  EntityType
	EntityID    string
	Version     int64
	EventType   EventType
	TriggeredBy string
	Reason      string
	Source      string
}

func New(m Meta, payload any, at time.Time) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.EventType, err)
	}
	env := &Envelope{
		ID:          tool.GenerateEventID(),
		Topic:       m.Topic,
		EntityType:  m.EntityType,
		EntityID:    m.EntityID,
		Version:     m.Version,
		EventType:   m.EventType,
		Payload:     raw,
		Timestamp:   at.UTC(),
		TriggeredBy: m.TriggeredBy,
		Reason:      m.Reason,
		Source:      m.Source,
	}
	return env, env.Validate()
}

var ErrMalformed = errors.New("malformed event envelope")

func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil", ErrMalformed)
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformed)
	case e.Topic == "":
		return fmt.Errorf("%w: missing topic", ErrMalformed)
	case e.EntityType == "" || e.EntityID == "":
		return fmt.Errorf("%w: missing entity", ErrMalformed)
	case e.Version <= 0:
		return fmt.Errorf("%w: version must be positive, got %d", ErrMalformed, e.Version)
	case e.EventType == "":
		return fmt.Errorf("%w: missing eventType", ErrMalformed)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	return nil
}

// Decode unmarshals the payload into v. Failures are reported as ErrMalformed.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrMalformed, e.EventType, err)
	}
	return nil
}

// Parse decodes and validates a serialized envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Key identifies the entity an event is about.
func (e *Envelope) Key() string {
	return string(e.EntityType) + "/" + e.EntityID
}
