package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RelayedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_relayed_messages_total",
			Help: "Messages relayed between recipient and container.",
		},
		[]string{"direction"},
	)

	RelayEdits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_relay_edits_total",
			Help: "Edit propagations applied to linked messages.",
		},
		[]string{"direction"},
	)

	RelayDeletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_relay_deletes_total",
			Help: "Delete propagations applied to linked messages.",
		},
		[]string{"direction"},
	)

	GateDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_gate_denials_total",
			Help: "Inbound messages denied before thread creation.",
		},
		[]string{"reason"},
	)

	ProvisionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_provision_failures_total",
			Help: "Container provisioning failures by pool.",
		},
		[]string{"pool"},
	)

	ProvisionFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydesk_provision_fallbacks_total",
			Help: "Provisioning attempts that used the fallback pool.",
		},
	)

	ActiveThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydesk_active_threads",
			Help: "Threads currently provisioning, open or closing.",
		},
	)

	ScheduledClosures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydesk_scheduled_closures",
			Help: "Closures currently armed.",
		},
	)

	ClosuresFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_closures_fired_total",
			Help: "Scheduled closures that executed.",
		},
		[]string{"kind"},
	)

	StaleTimers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydesk_stale_timers_total",
			Help: "Fired close timers discarded due to token mismatch.",
		},
	)

	CourierFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydesk_courier_failures_total",
			Help: "Recipient-side deliveries that failed.",
		},
	)

	WriteQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydesk_write_queue_depth",
			Help: "Pending entries in the persistence write-behind queue.",
		},
	)

	WriteRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydesk_write_retries_total",
			Help: "Persistence writes retried after failure.",
		},
	)

	WriteDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydesk_write_drops_total",
			Help: "Persistence writes abandoned after exhausting retries.",
		},
	)

	StoreDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydesk_store_degraded",
			Help: "1 while the write-behind queue is failing persistently.",
		},
	)

	JanitorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_janitor_runs_total",
			Help: "Janitor sweeps by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RelayedMessages,
		RelayEdits,
		RelayDeletes,
		GateDenials,
		ProvisionFailures,
		ProvisionFallbacks,
		ActiveThreads,
		ScheduledClosures,
		ClosuresFired,
		StaleTimers,
		CourierFailures,
		WriteQueueDepth,
		WriteRetries,
		WriteDrops,
		StoreDegraded,
		JanitorRuns,
	)
}
