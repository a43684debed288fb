package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/events"
)

func testEnvelope(t *testing.T, topic events.Topic) *events.Envelope {
	t.Helper()
	env, err := events.New(events.Meta{
		Topic:      topic,
		EntityType: events.EntityPlan,
		EntityID:   "p1",
		Version:    1,
		EventType:  events.EventCreated,
		Source:     events.SourceBilling,
	}, map[string]string{"id": "p1"}, time.Now())
	require.NoError(t, err)
	return env
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter(zap.NewNop().Sugar())
	var calls int32
	r.Subscribe(events.TopicPlans, func(context.Context, *events.Envelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	boom := errors.New("boom")
	r.Subscribe(events.TopicPlans, func(context.Context, *events.Envelope) error { return boom })

	err := r.Dispatch(context.Background(), testEnvelope(t, events.TopicPlans))
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	err = r.Dispatch(context.Background(), testEnvelope(t, events.TopicInvoices))
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.ElementsMatch(t, []events.Topic{events.TopicPlans}, r.Topics())
}

func TestMemoryBroker_DeliversAsync(t *testing.T) {
	b := NewMemoryBroker(zap.NewNop().Sugar(), 4)
	got := make(chan string, 1)
	b.Subscribe(events.TopicPlans, func(_ context.Context, env *events.Envelope) error {
		got <- env.ID
		return nil
	})
	b.Start()
	defer b.Stop()

	env := testEnvelope(t, events.TopicPlans)
	require.NoError(t, b.Publish(context.Background(), env))
	select {
	case id := <-got:
		assert.Equal(t, env.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestMemoryBroker_BufferFullAndStopped(t *testing.T) {
	b := NewMemoryBroker(zap.NewNop().Sugar(), 1)
	// Not started, so nothing drains the buffer.
	require.NoError(t, b.Publish(context.Background(), testEnvelope(t, events.TopicPlans)))
	assert.ErrorIs(t, b.Publish(context.Background(), testEnvelope(t, events.TopicPlans)), ErrBufferFull)
	assert.Equal(t, 1, b.Pending())

	b.Start()
	b.Stop()
	assert.ErrorIs(t, b.Publish(context.Background(), testEnvelope(t, events.TopicPlans)), ErrStopped)
}

func TestHTTPPublisher(t *testing.T) {
	var received events.Envelope
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EventsPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "apply failed", http.StatusInternalServerError)
	}))
	defer failing.Close()

	l := zap.NewNop().Sugar()
	env := testEnvelope(t, events.TopicPlans)

	p := NewHTTPPublisher(l, map[string]string{events.SourceAccount: ok.URL}, time.Second)
	require.NoError(t, p.Publish(context.Background(), env))
	assert.Equal(t, env.ID, received.ID)
	assert.Equal(t, env.Version, received.Version)

	p = NewHTTPPublisher(l, map[string]string{events.SourceAccount: failing.URL}, time.Second)
	err := p.Publish(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	p = NewHTTPPublisher(l, nil, time.Second)
	assert.Error(t, p.Publish(context.Background(), env))
}
