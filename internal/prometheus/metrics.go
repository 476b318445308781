package prometheus

import "github.com/prometheus/client_golang/prometheus"

var (
	ScreeningDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wisp_screening_duration_seconds",
		Help:    "Time from screening request to recorded verdict.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wisp_webhook_events_total",
		Help: "Lifecycle notifications by kind and admission result.",
	}, []string{"kind", "result"})

	SignatureRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wisp_webhook_signature_rejections_total",
		Help: "Notifications whose signature failed verification, by mode.",
	}, []string{"mode"})

	ActionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wisp_action_outcomes_total",
		Help: "Protective action executions by kind and outcome.",
	}, []string{"kind", "outcome"})

	Verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wisp_verdicts_total",
		Help: "Recorded screening verdicts.",
	}, []string{"verdict"})

	RedrivenCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wisp_redriven_calls_total",
		Help: "Stalled calls picked up by the reconciler.",
	})
)

func init() {
	prometheus.MustRegister(
		ScreeningDuration,
		WebhookEvents,
		SignatureRejections,
		ActionOutcomes,
		Verdicts,
		RedrivenCalls,
	)
}
