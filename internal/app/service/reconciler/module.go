package reconciler

import (
	"fmt"
	"slices"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/platform/broker"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/metrics"
)

type consumerOut struct {
	fx.Out

	Consumer *Consumer `group:"consumers"`
}

func newBillingConsumer(st store.BillingStore, cfg *config.Config, log *zap.SugaredLogger, m *metrics.Business) (consumerOut, error) {
	c, err := NewConsumer(NewBillingApplier(st, log), st, cfg.Consumer, log, m)
	return consumerOut{Consumer: c}, err
}

func newAccountConsumer(st store.AccountStore, cfg *config.Config, log *zap.SugaredLogger, m *metrics.Business) (consumerOut, error) {
	c, err := NewConsumer(NewAccountApplier(st, log), st, cfg.Consumer, log, m)
	return consumerOut{Consumer: c}, err
}

// Service indexes the consumers running in this process by authority.
type Service struct {
	consumers map[string]*Consumer
}

type serviceIn struct {
	fx.In

	Consumers []*Consumer `group:"consumers"`
}

func NewService(in serviceIn) *Service {
	return NewServiceOf(in.Consumers...)
}

func NewServiceOf(cs ...*Consumer) *Service {
	s := &Service{consumers: make(map[string]*Consumer, len(cs))}
	for _, c := range cs {
		s.consumers[c.Authority()] = c
	}
	return s
}

func (s *Service) Consumer(authority string) (*Consumer, error) {
	c, ok := s.consumers[authority]
	if !ok {
		return nil, apperr.NotFound("authority %q does not run in this process", authority)
	}
	return c, nil
}

func (s *Service) Authorities() []string {
	out := make([]string, 0, len(s.consumers))
	for a := range s.consumers {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Subscribe hooks every consumer to the process subscriber.
func Subscribe(sub broker.Subscriber, s *Service, log *zap.SugaredLogger) {
	for _, a := range s.Authorities() {
		c := s.consumers[a]
		c.Register(sub)
		log.Infow("consumer subscribed", "authority", a, "topics", fmt.Sprint(c.applier.Topics()))
	}
}

var (
	BillingModule = fx.Provide(newBillingConsumer)
	AccountModule = fx.Provide(newAccountConsumer)
	Module        = fx.Options(
		fx.Provide(NewService),
		fx.Invoke(Subscribe),
	)
)
