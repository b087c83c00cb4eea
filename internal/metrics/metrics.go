// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runsTotalCounter         *prometheus.CounterVec
	recipientOutcomesCounter *prometheus.CounterVec
	statusUpdatesCounter     *prometheus.CounterVec
	grantDurationMetric      prometheus.Histogram
	runDurationMetric        prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distribution_runs_total",
				Help: "Total number of distribution run invocations by result.",
			},
			[]string{"result"},
		)

		recipientOutcomesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipient_outcomes_total",
				Help: "Total number of per-recipient outcomes by kind.",
			},
			[]string{"outcome"},
		)

		statusUpdatesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_status_updates_total",
				Help: "Total number of event status updates by result.",
			},
			[]string{"result"},
		)

		grantDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "grant_duration_seconds",
				Help:    "Duration of rewards API grant calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		runDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "distribution_run_duration_seconds",
				Help:    "Wall time of distribution runs in seconds.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
		)

		prometheus.MustRegister(
			runsTotalCounter,
			recipientOutcomesCounter,
			statusUpdatesCounter,
			grantDurationMetric,
			runDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, result := range []domain.RunResult{
			domain.RunCompleted,
			domain.RunPausedMidRun,
			domain.RunInterrupted,
			domain.RunAborted,
			domain.RunPaused,
			domain.RunFetchFailed,
			domain.RunNotPending,
			domain.RunEmpty,
		} {
			runsTotalCounter.WithLabelValues(string(result))
		}

		for _, kind := range []domain.OutcomeKind{
			domain.OutcomeCredited,
			domain.OutcomeNotMember,
			domain.OutcomeUnresolvable,
			domain.OutcomeCreditFailed,
		} {
			recipientOutcomesCounter.WithLabelValues(string(kind))
		}

		statusUpdatesCounter.WithLabelValues("success")
		statusUpdatesCounter.WithLabelValues("failure")
	})
}

func IncRunResult(result domain.RunResult) {
	Init()
	runsTotalCounter.WithLabelValues(string(result)).Inc()
}

func IncRecipientOutcome(kind domain.OutcomeKind) {
	Init()
	recipientOutcomesCounter.WithLabelValues(string(kind)).Inc()
}

func IncStatusUpdate(ok bool) {
	Init()
	result := "success"
	if !ok {
		result = "failure"
	}
	statusUpdatesCounter.WithLabelValues(result).Inc()
}

func ObserveGrantDuration(d time.Duration) {
	Init()
	grantDurationMetric.Observe(d.Seconds())
}

func ObserveRunDuration(d time.Duration) {
	Init()
	runDurationMetric.Observe(d.Seconds())
}
