package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Action metrics
	ActionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_actions_total",
			Help: "Total number of actions by status",
		},
		[]string{"status"},
	)

	ActionsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_actions_claimed_total",
			Help: "Total number of actions claimed by this engine",
		},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_action_duration_seconds",
			Help:    "Action execution duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ActionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_actions_failed_total",
			Help: "Total number of failed actions by kind",
		},
		[]string{"kind"},
	)

	// Lock metrics
	LockRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_lock_retries_total",
			Help: "Total number of lock acquisition retries",
		},
	)

	LockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_lock_contention_total",
			Help: "Total number of lock acquisitions abandoned after retries",
		},
	)

	// Dispatcher metrics
	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_workers_busy",
			Help: "Number of worker goroutines currently executing an action",
		},
	)

	EnginesSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_engines_swept_total",
			Help: "Total number of dead engines garbage collected",
		},
	)

	// Cluster metrics
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_clusters_total",
			Help: "Total number of clusters by status",
		},
		[]string{"status"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	// Health registry metrics
	HealthChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_health_checks_total",
			Help: "Total number of health check actions originated",
		},
	)
)

func init() {
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ActionsClaimed)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(ActionsFailed)
	prometheus.MustRegister(LockRetries)
	prometheus.MustRegister(LockContention)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(EnginesSwept)
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(HealthChecksTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
