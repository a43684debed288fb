package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestBuckets covers HTTP latencies in milliseconds, from cache hits to
// slow postgres transactions behind a request.
var RequestBuckets = []float64{
	5, 10, 25, 50, 75, 100, 150, 200, 300, 400, 500,
	750, 1000, 1500, 2000, 3000, 5000, 10000, 30000,
}

// ApplyBuckets covers event apply latencies in milliseconds, retries included.
var ApplyBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000}

type Kind string

const (
	KindCounterVec   Kind = "counter_vec"
	KindGaugeVec     Kind = "gauge_vec"
	KindHistogramVec Kind = "histogram_vec"
	KindSummaryVec   Kind = "summary_vec"
)

// Metric describes one labelled collector. Buckets only apply to histograms
// and default to RequestBuckets.
type Metric struct {
	ID          string
	Name        string
	Description string
	Kind        Kind
	Args        []string
	Buckets     []float64
}

// NewMetric builds the collector for m, or nil for an unknown kind.
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	switch m.Kind {
	case KindCounterVec:
		return prometheus.NewCounterVec(prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description}, m.Args)
	case KindGaugeVec:
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description}, m.Args)
	case KindHistogramVec:
		buckets := m.Buckets
		if len(buckets) == 0 {
			buckets = RequestBuckets
		}
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description, Buckets: buckets}, m.Args)
	case KindSummaryVec:
		return prometheus.NewSummaryVec(prometheus.SummaryOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description}, m.Args)
	}
	return nil
}

// RefererKey lets callers tag requests with the page or job that issued them.
const RefererKey = "X-Referer"

// register adds c to reg, returning the already registered collector when an
// identical one exists so constructors can run more than once per process.
func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if c == nil {
		return nil, fmt.Errorf("metrics: unknown collector kind")
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}
