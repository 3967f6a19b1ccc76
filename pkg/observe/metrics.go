package observe

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/pcap-relay/pkg/models"
)

// Metrics tracks job lifecycle counters on a private registry
type Metrics struct {
	registry     *prometheus.Registry
	transitions  *prometheus.CounterVec
	pollAttempts *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	uploadBytes  prometheus.Counter
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pcaprelay_state_transitions_total",
				Help: "Published job state transitions by target state",
			},
			[]string{"state"},
		),
		pollAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pcaprelay_poll_attempts_total",
				Help: "Executed status checks by outcome",
			},
			[]string{"outcome"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pcaprelay_runs_total",
				Help: "Finished job runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pcaprelay_run_duration_seconds",
				Help:    "Wall time from start to the end of a run",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		uploadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pcaprelay_upload_bytes_total",
				Help: "Capture bytes handed to the transport",
			},
		),
	}

	m.registry.MustRegister(m.transitions, m.pollAttempts, m.runs, m.runDuration, m.uploadBytes)
	return m
}

// Transition counts a published state
func (m *Metrics) Transition(kind models.StateKind) {
	m.transitions.WithLabelValues(string(kind)).Inc()
}

// PollAttempt counts one status check
func (m *Metrics) PollAttempt(outcome string) {
	m.pollAttempts.WithLabelValues(outcome).Inc()
}

// RunFinished records how a run ended
func (m *Metrics) RunFinished(outcome string, d time.Duration) {
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

// UploadedBytes adds to the upload byte counter
func (m *Metrics) UploadedBytes(n int64) {
	if n > 0 {
		m.uploadBytes.Add(float64(n))
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteText dumps every metric family in text format
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
