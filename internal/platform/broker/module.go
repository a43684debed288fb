package broker

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/pkg/config"
)

type Out struct {
	fx.Out

	Publisher  Publisher
	Subscriber Subscriber
	// Router is what the HTTP ingress dispatches inbound envelopes to.
	Router *Router
}

// New picks the transport from broker.mode.
func New(lc fx.Lifecycle, l *zap.SugaredLogger, cfg *config.Config) Out {
	if cfg.Broker.Mode == config.BrokerModeMemory {
		mb := NewMemoryBroker(l, cfg.Broker.BufferSize)
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { mb.Start(); return nil },
			OnStop:  func(context.Context) error { mb.Stop(); return nil },
		})
		l.Infow("broker: in-memory", "buffer", cfg.Broker.BufferSize)
		return Out{Publisher: mb, Subscriber: mb, Router: mb.Router}
	}
	r := NewRouter(l)
	l.Infow("broker: http", "peers", cfg.Broker.Peers)
	return Out{
		Publisher:  NewHTTPPublisher(l, cfg.Broker.Peers, cfg.Broker.PublishTimeout),
		Subscriber: r,
		Router:     r,
	}
}

var Module = fx.Options(fx.Provide(New))
