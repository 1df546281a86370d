package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "turbonfc",
		Name:      "reader_sessions_active",
		Help:      "Tag-reader sessions currently polling.",
	})
	metricSessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbonfc",
		Name:      "reader_sessions_ended_total",
		Help:      "Tag-reader sessions ended, by reason.",
	}, []string{"reason"})
	metricTagsDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbonfc",
		Name:      "tags_discovered_total",
		Help:      "Tags reported to the application runtime, by card type.",
	}, []string{"type"})
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbonfc",
		Name:      "events_total",
		Help:      "Events emitted, by name and outcome (delivered or dropped).",
	}, []string{"event", "outcome"})
	metricListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "turbonfc",
		Name:      "event_listeners",
		Help:      "Registered event listeners.",
	})
	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbonfc",
		Name:      "module_calls_total",
		Help:      "Module method invocations, by module, method and result code.",
	}, []string{"module", "method", "code"})
	metricReadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "turbonfc",
		Name:      "tag_read_seconds",
		Help:      "Time from startTagReading until the read settled.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})
)
