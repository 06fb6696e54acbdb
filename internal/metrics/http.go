package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockergw_http_requests_total",
		Help: "Total HTTP requests by method, route pattern and status class",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lockergw_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

var (
	CommandsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockergw_commands_enqueued_total",
		Help: "Queued kiosk commands by type",
	}, []string{"type"})

	CommandsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockergw_commands_completed_total",
		Help: "Completed kiosk commands by result (completed, failed, requeued, dead_letter)",
	}, []string{"result"})

	KiosksOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockergw_kiosks_online",
		Help: "Number of kiosks currently considered online",
	})
)
