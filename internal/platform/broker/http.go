package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/events"
)

// EventsPath is where every authority accepts inbound envelopes.
const EventsPath = "/internal/v1/events"

// HTTPPublisher posts envelopes to the peer authority that consumes their
// topic. Any 2xx response is an acknowledgement.
type HTTPPublisher struct {
	client *http.Client
	peers  map[string]string
	l      *zap.SugaredLogger
}

// NewHTTPPublisher takes peer base URLs keyed by authority name.
func NewHTTPPublisher(l *zap.SugaredLogger, peers map[string]string, timeout time.Duration) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPublisher{
		client: &http.Client{Timeout: timeout},
		peers:  peers,
		l:      l,
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, env *events.Envelope) error {
	consumer := env.Topic.Consumer()
	base, ok := p.peers[consumer]
	if !ok || base == "" {
		return fmt.Errorf("broker: no peer url for authority %q (topic %s)", consumer, env.Topic)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+EventsPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", env.ID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s to %s: %w", env.ID, consumer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("post %s to %s: status %d: %s", env.ID, consumer, resp.StatusCode, bytes.TrimSpace(snippet))
}
