package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet_allocation", Name: "allocations_total", Help: "Allocations by method"},
		[]string{"method"},
	)
	AllocationLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "fleet_allocation", Name: "allocation_latency_seconds", Help: "Allocation latency seconds"})
	RejectionsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fleet_allocation", Name: "driver_rejections_total", Help: "Driver rejections of assignments"})

	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet_allocation", Name: "incidents_total", Help: "Incidents opened by type and severity"},
		[]string{"type", "severity"},
	)
	RestrictionsApplied = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fleet_allocation", Name: "restrictions_applied_total", Help: "Driver restrictions applied"})

	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "fleet_allocation", Name: "drivers_available", Help: "Drivers currently available"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet_allocation", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleet_allocation",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
