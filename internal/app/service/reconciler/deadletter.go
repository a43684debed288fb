package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/logctx"
)

func (c *Consumer) ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]*models.DeadLetter, int64, error) {
	return c.letters.ListDeadLetters(ctx, f)
}

// Requeue replays an open dead letter. A successful replay marks it
// REQUEUED; a failed one leaves it OPEN with the new error.
func (c *Consumer) Requeue(ctx context.Context, id string) (*models.DeadLetter, error) {
	d, err := c.openLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	env, err := events.Parse(d.Payload)
	if err != nil {
		return nil, apperr.BadRequest("dead letter %s has no replayable payload: %v", id, err)
	}
	if _, err := c.Replay(ctx, env); err != nil {
		if serr := c.letters.SetDeadLetterStatus(ctx, id, models.DeadLetterStatusOpen, err.Error(), c.now()); serr != nil {
			return nil, fmt.Errorf("failed to update dead letter %s: %w", id, serr)
		}
		return nil, fmt.Errorf("replay of dead letter %s failed: %w", id, err)
	}
	if err := c.letters.SetDeadLetterStatus(ctx, id, models.DeadLetterStatusRequeued, "", c.now()); err != nil {
		return nil, fmt.Errorf("failed to update dead letter %s: %w", id, err)
	}
	logctx.FromCtx(ctx, c.log).Infow("dead letter requeued", "dead_letter_id", id, "event_id", env.ID)
	return c.letters.GetDeadLetter(ctx, id)
}

// Resolve dismisses an open dead letter without applying it.
func (c *Consumer) Resolve(ctx context.Context, id string) error {
	if _, err := c.openLetter(ctx, id); err != nil {
		return err
	}
	return c.letters.SetDeadLetterStatus(ctx, id, models.DeadLetterStatusResolved, "", c.now())
}

func (c *Consumer) openLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	d, err := c.letters.GetDeadLetter(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("dead letter %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter %s: %w", id, err)
	}
	if d.Status != models.DeadLetterStatusOpen {
		return nil, apperr.InvalidState("dead letter %s is %s", id, d.Status)
	}
	return d, nil
}
