package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CounterAllocationsTotal counts successful counter allocations by kind ("dynamic", "static")
	CounterAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmcounters_allocations_total",
			Help: "Total number of counter records allocated",
		},
		[]string{"kind"},
	)

	// CounterAllocationFailuresTotal counts rejected allocations by error code
	CounterAllocationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmcounters_allocation_failures_total",
			Help: "Total number of rejected counter allocations",
		},
		[]string{"reason"},
	)

	// CounterFreesTotal counts ALLOCATED -> RECLAIMED transitions
	CounterFreesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shmcounters_frees_total",
			Help: "Total number of counter records moved to RECLAIMED",
		},
	)

	// CounterReclaimsTotal counts RECLAIMED -> UNUSED transitions after linger
	CounterReclaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shmcounters_reclaims_total",
			Help: "Total number of reclaimed records returned to the free pool",
		},
	)

	// CountersActive tracks ALLOCATED records
	CountersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shmcounters_active",
			Help: "Number of counter records currently ALLOCATED",
		},
	)

	// CommandsTotal counts commands processed by the driver
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmcounters_commands_total",
			Help: "Total number of commands processed by the allocation authority",
		},
		[]string{"type", "status"},
	)

	// ClientTimeoutsTotal counts clients torn down for missing heartbeats
	ClientTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shmcounters_client_timeouts_total",
			Help: "Total number of clients removed after their heartbeat lapsed",
		},
	)

	// ClientsActive tracks clients known to the driver
	ClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shmcounters_clients_active",
			Help: "Number of clients currently tracked by the driver",
		},
	)

	// NotificationsTotal counts callbacks dispatched by client conductors
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmcounters_notifications_total",
			Help: "Total number of counter availability notifications dispatched",
		},
		[]string{"kind"},
	)

	// RegistrationDurationSeconds measures submit-to-visible latency
	RegistrationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shmcounters_registration_duration_seconds",
			Help:    "Time from command submission until the counter is visible",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"kind", "status"},
	)

	// CommandsThrottledTotal counts commands rejected by the per-client admission limiter
	CommandsThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shmcounters_command_throttled_total",
			Help: "Total number of commands rejected by the admission limiter",
		},
	)
)
