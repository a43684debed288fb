package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
)

// Enqueue builds an envelope and writes it to the outbox through q, which must
// be the transaction that carries the state change the event describes.
func Enqueue(ctx context.Context, q store.Enqueuer, m events.Meta, payload any, at time.Time) (*events.Envelope, error) {
	env, err := events.New(m, payload, at)
	if err != nil {
		return nil, err
	}
	row, err := models.NewOutboxEvent(env)
	if err != nil {
		return nil, err
	}
	if err := q.Enqueue(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s %s: %w", m.Topic, m.EventType, err)
	}
	return env, nil
}
