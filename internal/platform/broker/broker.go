// Package broker moves envelopes from an authority's outbox dispatcher to the
// consumers of the other authority, either in-process or over HTTP.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/events"
)

// ErrNoHandler is returned when an envelope arrives for a topic nobody subscribed to.
var ErrNoHandler = errors.New("broker: no handler for topic")

// Handler applies one envelope. A nil error acknowledges it.
type Handler func(ctx context.Context, env *events.Envelope) error

// Publisher hands an envelope to the transport. A nil error means the
// transport accepted it; anything else makes the dispatcher retry.
type Publisher interface {
	Publish(ctx context.Context, env *events.Envelope) error
}

// Subscriber registers topic handlers.
type Subscriber interface {
	Subscribe(topic events.Topic, h Handler)
}

// Router fans envelopes out to the handlers registered for their topic.
type Router struct {
	mu       sync.RWMutex
	handlers map[events.Topic][]Handler
	l        *zap.SugaredLogger
}

func NewRouter(l *zap.SugaredLogger) *Router {
	return &Router{handlers: make(map[events.Topic][]Handler), l: l}
}

func (r *Router) Subscribe(topic events.Topic, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = append(r.handlers[topic], h)
	r.l.Debugw("subscribed", "topic", topic, "handlers", len(r.handlers[topic]))
}

// Topics lists the topics with at least one handler.
func (r *Router) Topics() []events.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]events.Topic, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Dispatch runs every handler of env's topic and joins their errors.
func (r *Router) Dispatch(ctx context.Context, env *events.Envelope) error {
	r.mu.RLock()
	hs := r.handlers[env.Topic]
	r.mu.RUnlock()
	if len(hs) == 0 {
		return fmt.Errorf("%w %s", ErrNoHandler, env.Topic)
	}
	var errs []error
	for _, h := range hs {
		if err := h(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
