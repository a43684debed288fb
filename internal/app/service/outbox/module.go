package outbox

import (
	"context"
	"slices"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/platform/broker"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/metrics"
)

// Register ties a dispatcher's polling loop to the Fx lifecycle.
func Register(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.log.Infow("outbox dispatcher started", "poll_interval", d.cfg.PollInterval, "batch", d.cfg.BatchSize)
			d.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			d.Stop()
			return nil
		},
	})
}

type dispatcherOut struct {
	fx.Out

	Dispatcher *Dispatcher `group:"dispatchers"`
}

func newBillingDispatcher(lc fx.Lifecycle, st store.BillingStore, pub broker.Publisher, cfg *config.Config, log *zap.SugaredLogger, m *metrics.Business) dispatcherOut {
	d := NewDispatcher(events.SourceBilling, st, pub, cfg.Outbox, log, m)
	Register(lc, d)
	return dispatcherOut{Dispatcher: d}
}

func newAccountDispatcher(lc fx.Lifecycle, st store.AccountStore, pub broker.Publisher, cfg *config.Config, log *zap.SugaredLogger, m *metrics.Business) dispatcherOut {
	d := NewDispatcher(events.SourceAccount, st, pub, cfg.Outbox, log, m)
	Register(lc, d)
	return dispatcherOut{Dispatcher: d}
}

// Dispatchers indexes this process's dispatchers by authority.
type Dispatchers struct {
	byAuthority map[string]*Dispatcher
}

type dispatchersIn struct {
	fx.In

	Dispatchers []*Dispatcher `group:"dispatchers"`
}

func newDispatchers(in dispatchersIn) *Dispatchers {
	return NewDispatchers(in.Dispatchers...)
}

func NewDispatchers(ds ...*Dispatcher) *Dispatchers {
	m := make(map[string]*Dispatcher, len(ds))
	for _, d := range ds {
		m[d.authority] = d
	}
	return &Dispatchers{byAuthority: m}
}

func (s *Dispatchers) Authorities() []string {
	out := make([]string, 0, len(s.byAuthority))
	for a := range s.byAuthority {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Stats reports the outbox counters of one authority, or of all when authority is empty.
func (s *Dispatchers) Stats(ctx context.Context, authority string) (map[string]*models.OutboxStats, error) {
	out := make(map[string]*models.OutboxStats)
	for _, a := range s.Authorities() {
		if authority != "" && a != authority {
			continue
		}
		st, err := s.byAuthority[a].Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[a] = st
	}
	if authority != "" && len(out) == 0 {
		return nil, apperr.NotFound("authority %q does not run in this process", authority)
	}
	return out, nil
}

var (
	BillingModule = fx.Provide(newBillingDispatcher)
	AccountModule = fx.Provide(newAccountDispatcher)
	// Module forces the dispatcher group so every loop starts.
	Module = fx.Options(
		fx.Provide(newDispatchers),
		fx.Invoke(func(*Dispatchers) {}),
	)
)
