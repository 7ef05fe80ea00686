package sponsor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pipeline events and attempt outcomes. It is an Observer.
type Metrics struct {
	stageCounter    *prometheus.CounterVec
	outcomeCounter  *prometheus.CounterVec
	attemptDuration prometheus.Histogram
}

// NewMetrics registers the sponsor metrics with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		stageCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sponsor",
			Name:      "stage_events_total",
			Help:      "Pipeline stage events emitted",
		}, []string{"stage"}),
		outcomeCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sponsor",
			Name:      "attempts_total",
			Help:      "Finished attempts by terminal state",
		}, []string{"state"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sponsor",
			Name:      "attempt_duration_seconds",
			Help:      "Time from connecting to the terminal event",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
	}
	for _, c := range []prometheus.Collector{m.stageCounter, m.outcomeCounter, m.attemptDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) OnEvent(e Event) {
	m.stageCounter.WithLabelValues(string(e.Stage)).Inc()
	if e.Stage.Terminal() {
		m.attemptDuration.Observe(e.Elapsed.Seconds())
	}
}

// ObserveOutcome counts a finished attempt.
func (m *Metrics) ObserveOutcome(o *Outcome) {
	m.outcomeCounter.WithLabelValues(string(o.State)).Inc()
}
