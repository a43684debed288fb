// Package eventlog audits inbound envelopes: what arrived and what the
// consumer did with it.
package eventlog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/tool"
)

// Writer is the slice of an authority's store the log needs.
type Writer interface {
	SaveEventLog(ctx context.Context, l *models.EventLog) error
}

type Service struct {
	w   Writer
	log *zap.SugaredLogger
	now func() time.Time
}

func New(w Writer, log *zap.SugaredLogger) *Service {
	return &Service{w: w, log: log, now: time.Now}
}

var _ Writer = (store.DeadLetters)(nil)

// Record saves one audit row for env. Failures are logged, never returned:
// the audit trail must not block event processing.
func (s *Service) Record(ctx context.Context, env *events.Envelope, status models.EventLogStatus, detail string) {
	if s == nil || env == nil {
		return
	}
	l := &models.EventLog{
		ID:         tool.GenerateUUIDV7(),
		EventID:    env.ID,
		Topic:      env.Topic,
		EntityType: env.EntityType,
		EntityID:   env.EntityID,
		Version:    env.Version,
		EventType:  env.EventType,
		Status:     status,
		Detail:     detail,
		CreatedAt:  s.now(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l.TraceID = sc.TraceID().String()
	}
	if err := s.w.SaveEventLog(ctx, l); err != nil {
		logctx.FromCtx(ctx, s.log).Errorf("failed to save event log: %v", err)
	}
}
