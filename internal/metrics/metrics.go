package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WAIncomingMessages *prometheus.CounterVec
	WAOutgoingMessages *prometheus.CounterVec
	LiveSessions       prometheus.Gauge
	SessionReconnects  prometheus.Counter
	PipelineOutcomes   *prometheus.CounterVec
	ClassifierRequests *prometheus.CounterVec
	ClassifierLatency  *prometheus.HistogramVec
	TranslateRequests  *prometheus.CounterVec
	TranslateLatency   *prometheus.HistogramVec
	MatcherRuns        *prometheus.CounterVec
	AlertDeliveries    *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages received by kind.",
			}, []string{"kind"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wa_live_sessions",
				Help:      "Number of sessions currently connected.",
			}),
			SessionReconnects: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_session_reconnects_total",
				Help:      "Reconnect attempts scheduled after a non-logout close.",
			}),
			PipelineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_outcomes_total",
				Help:      "Ingestion pipeline results by outcome.",
			}, []string{"outcome"}),
			ClassifierRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifier_requests_total",
				Help:      "Classification decisions by source and category.",
			}, []string{"source", "category"}),
			ClassifierLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "classifier_request_duration_seconds",
				Help:      "Latency distribution for classification service calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			TranslateRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "translate_requests_total",
				Help:      "Translation requests by outcome.",
			}, []string{"status"}),
			TranslateLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "translate_request_duration_seconds",
				Help:      "Latency distribution for translation calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			MatcherRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "matcher_runs_total",
				Help:      "External matcher runs by outcome.",
			}, []string{"status"}),
			AlertDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "match_alert_deliveries_total",
				Help:      "Per-recipient match alert deliveries by outcome.",
			}, []string{"status"}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Command API requests by route, method and status.",
			}, []string{"route", "method", "status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.LiveSessions,
			metricsInstance.SessionReconnects,
			metricsInstance.PipelineOutcomes,
			metricsInstance.ClassifierRequests,
			metricsInstance.ClassifierLatency,
			metricsInstance.TranslateRequests,
			metricsInstance.TranslateLatency,
			metricsInstance.MatcherRuns,
			metricsInstance.AlertDeliveries,
			metricsInstance.HTTPRequests,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
