// Package metrics exposes the Prometheus instrumentation for the
// moderation pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
)

// Callback is the hook pipeline components use to report a metric
// without depending on this package's registry type.
type Callback func(metric string, value float64, tags map[string]string)

// Registry holds all Prometheus metrics for PinokIO.
type Registry struct {
	EventsTotal        *prometheus.CounterVec
	SeriesFlushed      *prometheus.CounterVec
	MessagesAggregated *prometheus.CounterVec
	Reminders          *prometheus.CounterVec
	SilenceAlerts      *prometheus.CounterVec
	LLMRequests        *prometheus.CounterVec
	LLMDuration        *prometheus.HistogramVec
	HTTPDuration       *prometheus.HistogramVec
	ActiveWorkers      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewRegistry creates the registry and registers every metric with the
// default Prometheus registerer.
func NewRegistry() *Registry {
	return newRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	r := &Registry{
		gatherer: gatherer,
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinokio_events_total",
				Help: "Inbound events by admission outcome",
			},
			[]string{"chat_id", "status", "reason"},
		),
		SeriesFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinokio_series_flushed_total",
				Help: "Message series closed into final messages",
			},
			[]string{"chat_id"},
		),
		MessagesAggregated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinokio_messages_aggregated_total",
				Help: "Raw messages folded into final messages",
			},
			[]string{"chat_id"},
		),
		Reminders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinokio_reminders_total",
				Help: "Overdue-message reminders sent to operators",
			},
			[]string{"chat_id"},
		),
		SilenceAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinokio_silence_alerts_total",
				Help: "Silence notifications sent to operators",
			},
			[]string{"chat_id"},
		),
		LLMRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinokio_llm_requests_total",
				Help: "LLM calls by operation and outcome",
			},
			[]string{"op", "status"},
		),
		LLMDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pinokio_llm_request_duration_seconds",
				Help:    "LLM call latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"op"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pinokio_http_request_duration_seconds",
				Help:    "Inbound HTTP request latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"path", "method", "status"},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pinokio_active_workers",
				Help: "Chat workers currently running",
			},
		),
	}

	reg.MustRegister(
		r.EventsTotal,
		r.SeriesFlushed,
		r.MessagesAggregated,
		r.Reminders,
		r.SilenceAlerts,
		r.LLMRequests,
		r.LLMDuration,
		r.HTTPDuration,
		r.ActiveWorkers,
	)

	return r
}

// RecordEvent records an ingress admission outcome.
func (r *Registry) RecordEvent(chatID, status, reason string) {
	r.EventsTotal.WithLabelValues(chatID, status, reason).Inc()
}

// RecordLLMRequest records one LLM call.
func (r *Registry) RecordLLMRequest(op, status string, duration time.Duration) {
	r.LLMRequests.WithLabelValues(op, status).Inc()
	r.LLMDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordHTTPRequest records one served HTTP request.
func (r *Registry) RecordHTTPRequest(path, method string, status int, duration time.Duration) {
	r.HTTPDuration.WithLabelValues(path, method, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordReminder records a delivered reminder.
func (r *Registry) RecordReminder(chatID string) {
	r.Reminders.WithLabelValues(chatID).Inc()
}

// RecordSilenceAlert records a delivered silence notification.
func (r *Registry) RecordSilenceAlert(chatID string) {
	r.SilenceAlerts.WithLabelValues(chatID).Inc()
}

// SetActiveWorkers updates the worker gauge.
func (r *Registry) SetActiveWorkers(n int) {
	r.ActiveWorkers.Set(float64(n))
}

// Summary sums every pipeline counter across its label values, the way
// a scrape would see them. Used by the health endpoint.
func (r *Registry) Summary() map[string]float64 {
	out := map[string]float64{}
	families, err := r.gatherer.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		name := fam.GetName()
		if !strings.HasPrefix(name, "pinokio_") {
			continue
		}
		if fam.GetType() != io_prometheus_client.MetricType_COUNTER {
			continue
		}
		total := 0.0
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		out[strings.TrimPrefix(name, "pinokio_")] = total
	}
	return out
}

// Callback adapts the registry for components that report through the
// metric-name hook instead of holding the registry.
func (r *Registry) Callback() Callback {
	return func(metric string, value float64, tags map[string]string) {
		chatID := tags["chat_id"]
		switch metric {
		case "series_flushed_total":
			r.SeriesFlushed.WithLabelValues(chatID).Add(value)
		case "messages_aggregated_total":
			r.MessagesAggregated.WithLabelValues(chatID).Add(value)
		}
	}
}

// Handler returns the Prometheus scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
