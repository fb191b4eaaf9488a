// Package metrics exposes serve-mode prometheus collectors. The engine itself
// returns a run-scoped value; these collectors accumulate across runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wellspend/afeguard/pkg/engine"
)

var (
	RunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "afeguard_runs_total",
		Help: "Total engine runs completed",
	})

	RulesCheckedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "afeguard_rules_checked_total",
		Help: "Total alert rules evaluated",
	})

	AlertsTriggeredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "afeguard_alerts_triggered_total",
		Help: "Total alerts fired",
	})

	EmailsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "afeguard_emails_sent_total",
		Help: "Total notification emails confirmed sent",
	})

	EmailsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "afeguard_emails_failed_total",
		Help: "Total notification emails that exhausted retries",
	})

	ErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "afeguard_errors_total",
		Help: "Total errors degraded around or recorded",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "afeguard_run_duration_seconds",
		Help:    "Wall-clock duration of engine runs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// Observe feeds one run's metrics into the collectors.
func Observe(m engine.Metrics) {
	RunsTotal.Inc()
	RulesCheckedTotal.Add(float64(m.RulesChecked))
	AlertsTriggeredTotal.Add(float64(m.AlertsTriggered))
	EmailsSentTotal.Add(float64(m.EmailsSent))
	EmailsFailedTotal.Add(float64(m.EmailsFailed))
	ErrorsTotal.Add(float64(m.Errors))
	RunDuration.Observe(m.Duration.Seconds())
}
