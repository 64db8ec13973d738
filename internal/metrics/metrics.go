// Package metrics exposes Prometheus counters for import runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/homecert/internal/model"
)

const namespace = "homecert"

// Metrics holds the run collectors. Each instance owns its registry so tests
// and servers do not share global state.
type Metrics struct {
	Registry *prometheus.Registry

	rows            *prometheus.CounterVec
	runs            *prometheus.CounterVec
	homesCertified  prometheus.Counter
	groupsCertified prometheus.Counter
	answers         *prometheus.CounterVec
	duration        prometheus.Histogram
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "rows_total",
			Help:      "Rows processed by outcome",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "runs_total",
			Help:      "Import runs by result",
		}, []string{"result", "dry_run"}),
		homesCertified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "homes_certified_total",
			Help:      "Home statuses certified by import runs",
		}),
		groupsCertified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "sample_sets_certified_total",
			Help:      "Sample sets certified by import runs",
		}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "answers_total",
			Help:      "Checklist answers by action",
		}, []string{"action"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "run_duration_seconds",
			Help:      "Wall time of an import run",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}),
	}
	m.Registry.MustRegister(m.rows, m.runs, m.homesCertified, m.groupsCertified, m.answers, m.duration)
	return m
}

// Observe records one finished run. A nil receiver is a no-op.
func (m *Metrics) Observe(s *model.Summary) {
	if m == nil || s == nil {
		return
	}
	dry := "false"
	if s.DryRun {
		dry = "true"
	}
	m.runs.WithLabelValues(string(s.Result), dry).Inc()
	for _, r := range s.Rows {
		m.rows.WithLabelValues(string(r.Outcome)).Inc()
	}
	m.homesCertified.Add(float64(s.HomesCertified))
	m.groupsCertified.Add(float64(s.GroupsCertified))
	m.answers.WithLabelValues("created").Add(float64(s.AnswersCreated))
	m.answers.WithLabelValues("deleted").Add(float64(s.AnswersDeleted))
	m.answers.WithLabelValues("reused").Add(float64(s.AnswersReused))
	m.duration.Observe(s.Elapsed.Seconds())
}
