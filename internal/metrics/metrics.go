package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookEvents    *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	GeminiRequests   *prometheus.CounterVec
	GeminiLatency    *prometheus.HistogramVec
	PollerSweeps     *prometheus.CounterVec
	NotifierRuns     *prometheus.CounterVec
	WAOutgoing       *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total bot-provider webhook deliveries by result.",
			}, []string{"result"}),
			Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "meeting_transitions_total",
				Help:      "Meeting status transition requests by destination and outcome.",
			}, []string{"to", "outcome"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bot_provider_requests_total",
				Help:      "Total bot-provider API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bot_provider_request_duration_seconds",
				Help:      "Latency distribution for bot-provider API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			GeminiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gemini_requests_total",
				Help:      "Total Gemini API requests by outcome.",
			}, []string{"status"}),
			GeminiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gemini_request_duration_seconds",
				Help:      "Latency distribution for Gemini API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			PollerSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poller_sweeps_total",
				Help:      "Reconciliation sweeps by outcome.",
			}, []string{"outcome"}),
			NotifierRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifier_runs_total",
				Help:      "Delayed-notification workflow executions by outcome.",
			}, []string{"outcome"}),
			WAOutgoing: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhookEvents,
			metricsInstance.Transitions,
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.GeminiRequests,
			metricsInstance.GeminiLatency,
			metricsInstance.PollerSweeps,
			metricsInstance.NotifierRuns,
			metricsInstance.WAOutgoing,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
