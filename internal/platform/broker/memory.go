package broker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/events"
)

const defaultBufferSize = 256

var (
	ErrBufferFull = errors.New("broker: buffer full")
	ErrStopped    = errors.New("broker: stopped")
)

// MemoryBroker delivers envelopes in-process through a buffered channel. A
// publish is acknowledged once buffered; delivery happens on the run loop.
type MemoryBroker struct {
	*Router
	eventCh chan *events.Envelope
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
	l       *zap.SugaredLogger
}

func NewMemoryBroker(l *zap.SugaredLogger, bufferSize int) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &MemoryBroker{
		Router:  NewRouter(l),
		eventCh: make(chan *events.Envelope, bufferSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		l:       l,
	}
}

// Start begins the broker's delivery loop
func (b *MemoryBroker) Start() {
	go b.run()
}

// Stop stops the loop and waits for the envelope in flight.
func (b *MemoryBroker) Stop() {
	b.once.Do(func() { close(b.stopCh) })
	<-b.done
}

func (b *MemoryBroker) Publish(ctx context.Context, env *events.Envelope) error {
	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}
	select {
	case b.eventCh <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

// Pending reports how many envelopes are buffered.
func (b *MemoryBroker) Pending() int {
	return len(b.eventCh)
}

func (b *MemoryBroker) run() {
	defer close(b.done)
	for {
		select {
		case env := <-b.eventCh:
			b.deliver(env)
		case <-b.stopCh:
			return
		}
	}
}

func (b *MemoryBroker) deliver(env *events.Envelope) {
	if err := b.Dispatch(context.Background(), env); err != nil {
		b.l.Warnw("memory broker delivery failed", "event_id", env.ID, "topic", env.Topic, "err", err)
	}
}
