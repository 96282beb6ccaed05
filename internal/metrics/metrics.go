package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProbeCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doorguard_probe_cycles_total",
		Help: "Completed liveness probe cycles.",
	})

	ProbeCyclesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doorguard_probe_cycles_skipped_total",
		Help: "Probe ticks skipped because the previous cycle was still running.",
	})

	ProbeCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "doorguard_probe_cycle_duration_seconds",
		Help:    "Wall time of one full probe cycle.",
		Buckets: prometheus.DefBuckets,
	})

	DoorsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doorguard_doors_online",
		Help: "Doors observed online in the latest completed cycle.",
	})

	DoorsProbed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doorguard_doors_probed",
		Help: "Doors probed in the latest completed cycle.",
	})

	EventsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doorguard_ingest_events_total",
		Help: "Events committed to the durable event log.",
	})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doorguard_ingest_events_dropped_total",
		Help: "Raw events dropped because the employee number did not resolve.",
	})

	BatchesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doorguard_ingest_batches_failed_total",
		Help: "Ingestion batches that failed to commit.",
	})

	RealtimeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doorguard_realtime_clients",
		Help: "Connected realtime subscribers.",
	})
)

func Init() {
	prometheus.MustRegister(
		ProbeCycles,
		ProbeCyclesSkipped,
		ProbeCycleDuration,
		DoorsOnline,
		DoorsProbed,
		EventsIngested,
		EventsDropped,
		BatchesFailed,
		RealtimeClients,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
