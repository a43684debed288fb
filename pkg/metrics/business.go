package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

const businessSubsystem = "tokenbill"

var outboxPublished = &Metric{
	ID:          "outboxPublished",
	Name:        "outbox_published_total",
	Description: "Outbox rows handed to the broker, partitioned by authority, topic and result.",
	Kind:        KindCounterVec,
	Args:        []string{"authority", "topic", "result"},
}

var outboxBacklog = &Metric{
	ID:          "outboxBacklog",
	Name:        "outbox_rows",
	Description: "Outbox rows by status as of the last stats poll.",
	Kind:        KindGaugeVec,
	Args:        []string{"authority", "status"},
}

var eventsConsumed = &Metric{
	ID:          "eventsConsumed",
	Name:        "events_consumed_total",
	Description: "Inbound events by authority, topic and outcome (applied, skipped, dead_letter).",
	Kind:        KindCounterVec,
	Args:        []string{"authority", "topic", "outcome"},
}

var eventApplyDur = &Metric{
	ID:          "eventApplyDur",
	Name:        "event_apply_dur_ms",
	Description: "Latency of applying an inbound event in milliseconds.",
	Kind:        KindHistogramVec,
	Args:        []string{"authority", "topic"},
	Buckets:     ApplyBuckets,
}

var ledgerAppends = &Metric{
	ID:          "ledgerAppends",
	Name:        "ledger_appends_total",
	Description: "Token ledger transactions appended, partitioned by type.",
	Kind:        KindCounterVec,
	Args:        []string{"type"},
}

// Business holds the domain metrics shared by the outbox, the reconcilers and the ledger.
type Business struct {
	OutboxPublished *prometheus.CounterVec
	OutboxBacklog   *prometheus.GaugeVec
	EventsConsumed  *prometheus.CounterVec
	EventApplyDur   *prometheus.HistogramVec
	LedgerAppends   *prometheus.CounterVec
}

func NewBusiness(reg prometheus.Registerer) (*Business, error) {
	collectors := make(map[*Metric]prometheus.Collector)
	for _, m := range []*Metric{outboxPublished, outboxBacklog, eventsConsumed, eventApplyDur, ledgerAppends} {
		c, err := register(reg, NewMetric(m, businessSubsystem))
		if err != nil {
			return nil, err
		}
		collectors[m] = c
	}
	return &Business{
		OutboxPublished: collectors[outboxPublished].(*prometheus.CounterVec),
		OutboxBacklog:   collectors[outboxBacklog].(*prometheus.GaugeVec),
		EventsConsumed:  collectors[eventsConsumed].(*prometheus.CounterVec),
		EventApplyDur:   collectors[eventApplyDur].(*prometheus.HistogramVec),
		LedgerAppends:   collectors[ledgerAppends].(*prometheus.CounterVec),
	}, nil
}

// NewNopBusiness returns metrics bound to a private registry, for tests and CLI commands.
func NewNopBusiness() *Business {
	b, _ := NewBusiness(prometheus.NewRegistry())
	return b
}

func (b *Business) ObserveApply(authority, topic string, start time.Time) {
	if b == nil {
		return
	}
	b.EventApplyDur.WithLabelValues(authority, topic).Observe(MillisecondsSince(start))
}

func provideBusiness() (*Business, error) {
	return NewBusiness(prometheus.DefaultRegisterer)
}

var Module = fx.Options(
	fx.Provide(provideBusiness),
)
