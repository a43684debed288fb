// Package reconciler applies the other authority's events. Snapshot events
// (plans, subscriptions, customers) are applied only when newer than the
// entity's watermark; fact events (token purchases and allocations) are
// deduplicated by event id. The gate and the effect share one transaction.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/app/service/eventlog"
	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/platform/broker"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/metrics"
	"github.com/fatflowers/tokenbill/pkg/tool"
	"github.com/fatflowers/tokenbill/pkg/tracing"
)

// AdmitFunc decides inside the applier's transaction whether env takes
// effect, and records the decision when it does.
type AdmitFunc func(ctx context.Context, in store.Inbox) (bool, error)

// Applier is one authority's event handling.
type Applier interface {
	Authority() string
	Topics() []events.Topic
	// Apply opens a transaction, calls admit first and applies env only when
	// admit returns true. It reports whether env took effect.
	Apply(ctx context.Context, env *events.Envelope, admit AdmitFunc) (bool, error)
}

const (
	outcomeApplied    = "applied"
	outcomeSkipped    = "skipped"
	outcomeDeadLetter = "dead_letter"
)

type Consumer struct {
	applier Applier
	letters store.DeadLetters
	audit   *eventlog.Service
	cache   *lru.Cache[string, int64]
	cfg     config.ConsumerConfig
	log     *zap.SugaredLogger
	metrics *metrics.Business
	now     func() time.Time
}

func NewConsumer(a Applier, letters store.DeadLetters, cfg config.ConsumerConfig, log *zap.SugaredLogger, m *metrics.Business) (*Consumer, error) {
	if cfg.WatermarkCacheSize <= 0 {
		cfg.WatermarkCacheSize = 10000
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cache, err := lru.New[string, int64](cfg.WatermarkCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create watermark cache: %w", err)
	}
	l := log.With("authority", a.Authority())
	return &Consumer{
		applier: a,
		letters: letters,
		audit:   eventlog.New(letters, l),
		cache:   cache,
		cfg:     cfg,
		log:     l,
		metrics: m,
		now:     time.Now,
	}, nil
}

func (c *Consumer) Authority() string { return c.applier.Authority() }

// Register subscribes the consumer to every topic its applier handles.
func (c *Consumer) Register(sub broker.Subscriber) {
	for _, t := range c.applier.Topics() {
		sub.Subscribe(t, c.Handle)
	}
}

// Handle is the broker entry point. It returns nil once env is applied,
// skipped or parked as a dead letter; an error asks the sender to redeliver.
func (c *Consumer) Handle(ctx context.Context, env *events.Envelope) error {
	start := c.now()
	if err := env.Validate(); err != nil {
		return c.deadLetter(ctx, env, err, 0)
	}
	ctx, span := tracing.Start(ctx, "event.apply",
		tracing.AttrAuthority.String(c.Authority()),
		tracing.AttrTopic.String(string(env.Topic)),
		tracing.AttrEventID.String(env.ID),
		tracing.AttrEntityType.String(string(env.EntityType)),
		tracing.AttrEntityID.String(env.EntityID),
		tracing.AttrVersion.Int64(env.Version),
	)
	var err error
	defer func() { tracing.End(span, err) }()
	c.audit.Record(ctx, env, models.EventLogStatusReceived, "")

	if c.seen(env) {
		c.settle(ctx, env, false, "already applied", start)
		return nil
	}

	attempts := 0
	applied, err := backoff.Retry(ctx, func() (bool, error) {
		attempts++
		ok, err := c.applier.Apply(ctx, env, c.admit(env))
		if err != nil && permanent(err) {
			return false, backoff.Permanent(err)
		}
		return ok, err
	},
		backoff.WithBackOff(c.retryBackoff()),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logctx.FromCtx(ctx, c.log).Warnw("event apply failed, retrying", "event_id", env.ID, "topic", env.Topic, "next", next, "err", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return c.deadLetter(ctx, env, err, attempts)
	}
	c.remember(env)
	c.settle(ctx, env, applied, "", start)
	return nil
}

// Replay applies env once, without retries or dead-lettering.
func (c *Consumer) Replay(ctx context.Context, env *events.Envelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}
	applied, err := c.applier.Apply(ctx, env, c.admit(env))
	if err != nil {
		return false, err
	}
	c.remember(env)
	c.settle(ctx, env, applied, "replayed", c.now())
	return applied, nil
}

func (c *Consumer) admit(env *events.Envelope) AdmitFunc {
	return func(ctx context.Context, in store.Inbox) (bool, error) {
		now := c.now()
		if !env.EntityType.Snapshot() {
			return in.MarkProcessed(ctx, env.ID, env.Topic, now)
		}
		ok, err := in.AdvanceVersion(ctx, &models.AppliedVersion{
			EntityType: env.EntityType,
			EntityID:   env.EntityID,
			Version:    env.Version,
			EventID:    env.ID,
			AppliedAt:  now,
		})
		if err != nil {
			return false, fmt.Errorf("failed to advance watermark of %s: %w", env.Key(), err)
		}
		return ok, nil
	}
}

func cacheKey(env *events.Envelope) string {
	if env.EntityType.Snapshot() {
		return env.Key()
	}
	return "event:" + env.ID
}

// seen answers from the watermark cache only. A miss falls through to the
// transactional gate, which is authoritative.
func (c *Consumer) seen(env *events.Envelope) bool {
	v, ok := c.cache.Get(cacheKey(env))
	return ok && env.Version <= v
}

func (c *Consumer) remember(env *events.Envelope) {
	key := cacheKey(env)
	if v, ok := c.cache.Get(key); ok && v >= env.Version {
		return
	}
	c.cache.Add(key, env.Version)
}

func (c *Consumer) settle(ctx context.Context, env *events.Envelope, applied bool, detail string, start time.Time) {
	outcome, status := outcomeSkipped, models.EventLogStatusSkipped
	if applied {
		outcome, status = outcomeApplied, models.EventLogStatusApplied
	}
	c.metrics.EventsConsumed.WithLabelValues(c.Authority(), string(env.Topic), outcome).Inc()
	c.metrics.ObserveApply(c.Authority(), string(env.Topic), start)
	c.audit.Record(ctx, env, status, detail)
	logctx.FromCtx(ctx, c.log).Infow("event "+outcome, "event_id", env.ID, "topic", env.Topic, "entity", env.Key(), "version", env.Version)
}

func (c *Consumer) retryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = 20 * c.cfg.RetryInterval
	return b
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, events.ErrMalformed) || errors.Is(err, apperr.ErrBadRequest)
}

func (c *Consumer) deadLetter(ctx context.Context, env *events.Envelope, cause error, attempts int) error {
	d := &models.DeadLetter{
		ID:       tool.GenerateUUIDV7(),
		Error:    cause.Error(),
		Attempts: attempts,
		Status:   models.DeadLetterStatusOpen,
	}
	if env != nil {
		d.EventID, d.Topic, d.EntityType, d.EntityID, d.Version = env.ID, env.Topic, env.EntityType, env.EntityID, env.Version
		if raw, err := json.Marshal(env); err == nil {
			d.Payload = raw
		}
	}
	if err := c.letters.AddDeadLetter(ctx, d); err != nil {
		return fmt.Errorf("failed to park event as dead letter: %w (cause: %v)", err, cause)
	}
	c.metrics.EventsConsumed.WithLabelValues(c.Authority(), string(d.Topic), outcomeDeadLetter).Inc()
	if env != nil {
		c.audit.Record(ctx, env, models.EventLogStatusFailed, cause.Error())
	}
	logctx.FromCtx(ctx, c.log).Errorw("event dead-lettered", "dead_letter_id", d.ID, "event_id", d.EventID, "topic", d.Topic, "attempts", attempts, "err", cause)
	return nil
}
