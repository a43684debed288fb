package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/platform/broker"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/metrics"
	"github.com/fatflowers/tokenbill/pkg/tracing"
)

// Dispatcher drains one authority's outbox into the broker. Rows of the same
// entity go out in creation order; different entities are published in parallel.
type Dispatcher struct {
	authority string
	store     store.Outbox
	pub       broker.Publisher
	cfg       config.OutboxConfig
	log       *zap.SugaredLogger
	metrics   *metrics.Business
	now       func() time.Time

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewDispatcher(authority string, st store.Outbox, pub broker.Publisher, cfg config.OutboxConfig, log *zap.SugaredLogger, m *metrics.Business) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Dispatcher{
		authority: authority,
		store:     st,
		pub:       pub,
		cfg:       cfg,
		log:       log.With("authority", authority),
		metrics:   m,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the polling loop
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop ends the loop and waits for the batch in flight.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.log.Errorw("outbox dispatch failed", "err", err)
			}
		case <-d.stopCh:
			return
		}
	}
}

// DispatchOnce claims one batch of due rows and publishes it. It returns the
// number of rows acknowledged by the broker.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	rows, err := d.store.ClaimDue(ctx, d.now(), d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox rows: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var (
		mu   sync.Mutex
		sent int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallelism)
	for _, group := range groupByEntity(rows) {
		g.Go(func() error {
			n, err := d.publishGroup(gctx, group)
			mu.Lock()
			sent += n
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	d.log.Debugw("outbox batch done", "claimed", len(rows), "sent", sent)
	return sent, err
}

// publishGroup publishes one entity's rows in order. After a failure the rest
// of the group is pushed back behind the failed row.
func (d *Dispatcher) publishGroup(ctx context.Context, rows []*models.OutboxEvent) (int, error) {
	sent := 0
	for i, row := range rows {
		retryAt, err := d.publish(ctx, row)
		if err != nil {
			return sent, err
		}
		if retryAt.IsZero() {
			sent++
			continue
		}
		for _, rest := range rows[i+1:] {
			if err := d.store.MarkFailed(ctx, rest.ID, rest.Attempts, retryAt, "waiting for "+row.ID, false); err != nil {
				return sent, fmt.Errorf("failed to defer outbox row %s: %w", rest.ID, err)
			}
		}
		return sent, nil
	}
	return sent, nil
}

// publish sends one row. A zero retryAt means the row is settled; otherwise
// it is the time the row becomes due again. Only store failures are returned.
func (d *Dispatcher) publish(ctx context.Context, row *models.OutboxEvent) (time.Time, error) {
	topic := string(row.Topic)
	if row.Topic.Consumer() == "" {
		d.metrics.OutboxPublished.WithLabelValues(d.authority, topic, "unrouted").Inc()
		return time.Time{}, d.markDispatched(ctx, row)
	}
	env, err := row.Envelope()
	if err != nil {
		d.log.Errorw("outbox row is malformed", "event_id", row.ID, "err", err)
		d.metrics.OutboxPublished.WithLabelValues(d.authority, topic, "dead").Inc()
		return time.Time{}, d.store.MarkFailed(ctx, row.ID, row.Attempts+1, d.now(), err.Error(), true)
	}

	spanCtx, span := tracing.Start(ctx, "outbox.publish",
		tracing.AttrAuthority.String(d.authority),
		tracing.AttrTopic.String(topic),
		tracing.AttrEventID.String(env.ID),
		tracing.AttrEntityType.String(string(env.EntityType)),
		tracing.AttrEntityID.String(env.EntityID),
		tracing.AttrVersion.Int64(env.Version),
	)
	pubCtx, cancel := context.WithTimeout(spanCtx, d.cfg.PublishTimeout)
	err = d.pub.Publish(pubCtx, env)
	cancel()
	tracing.End(span, err)
	if err == nil {
		d.metrics.OutboxPublished.WithLabelValues(d.authority, topic, "ok").Inc()
		return time.Time{}, d.markDispatched(ctx, row)
	}

	attempts := row.Attempts + 1
	dead := attempts >= d.cfg.MaxAttempts
	retryAt := d.now().Add(d.backoffFor(attempts))
	if err := d.store.MarkFailed(ctx, row.ID, attempts, retryAt, err.Error(), dead); err != nil {
		return time.Time{}, fmt.Errorf("failed to record outbox failure %s: %w", row.ID, err)
	}
	if dead {
		d.metrics.OutboxPublished.WithLabelValues(d.authority, topic, "dead").Inc()
		d.log.Errorw("outbox row is dead", "event_id", row.ID, "topic", topic, "attempts", attempts, "err", err)
		return time.Time{}, nil
	}
	d.metrics.OutboxPublished.WithLabelValues(d.authority, topic, "retry").Inc()
	d.log.Warnw("outbox publish failed", "event_id", row.ID, "topic", topic, "attempts", attempts, "retry_at", retryAt, "err", err)
	return retryAt, nil
}

func (d *Dispatcher) markDispatched(ctx context.Context, row *models.OutboxEvent) error {
	if err := d.store.MarkDispatched(ctx, row.ID, d.now()); err != nil {
		return fmt.Errorf("failed to mark outbox row %s dispatched: %w", row.ID, err)
	}
	return nil
}

// backoffFor returns the delay before attempt+1, growing exponentially from
// InitialBackoff up to MaxBackoff.
func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if d.cfg.InitialBackoff > 0 {
		b.InitialInterval = d.cfg.InitialBackoff
	}
	if d.cfg.MaxBackoff > 0 {
		b.MaxInterval = d.cfg.MaxBackoff
	}
	b.RandomizationFactor = 0
	b.Reset()
	delay := b.InitialInterval
	for range attempt {
		delay = b.NextBackOff()
	}
	return delay
}

// Stats reports outbox row counts and refreshes the backlog gauge.
func (d *Dispatcher) Stats(ctx context.Context) (*models.OutboxStats, error) {
	st, err := d.store.OutboxStats(ctx)
	if err != nil {
		return nil, err
	}
	d.metrics.OutboxBacklog.WithLabelValues(d.authority, string(models.OutboxStatusPending)).Set(float64(st.Pending))
	d.metrics.OutboxBacklog.WithLabelValues(d.authority, string(models.OutboxStatusDispatched)).Set(float64(st.Dispatched))
	d.metrics.OutboxBacklog.WithLabelValues(d.authority, string(models.OutboxStatusDead)).Set(float64(st.Dead))
	return st, nil
}

// groupByEntity splits rows by entity, keeping each group's order.
func groupByEntity(rows []*models.OutboxEvent) [][]*models.OutboxEvent {
	idx := make(map[string]int)
	var groups [][]*models.OutboxEvent
	for _, r := range rows {
		key := string(r.EntityType) + "/" + r.EntityID
		i, ok := idx[key]
		if !ok {
			i = len(groups)
			idx[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}
	return groups
}
