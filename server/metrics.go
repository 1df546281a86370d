package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "turbonfc",
		Name:      "ws_connections",
		Help:      "Open WebSocket connections.",
	})
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbonfc",
		Name:      "http_requests_total",
		Help:      "HTTP requests, by route pattern and status code.",
	}, []string{"route", "status"})
	metricHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbonfc",
		Name:      "handshakes_total",
		Help:      "Token handshakes, by outcome.",
	}, []string{"outcome"})
	metricDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turbonfc",
		Name:      "ws_dropped_events_total",
		Help:      "Events not delivered because a connection's send buffer was full.",
	})
)
