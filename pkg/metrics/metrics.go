package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_nodes_total",
			Help: "Total number of nodes known to the coordination store",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warren_instances_total",
			Help: "Total number of instances by state",
		},
		[]string{"state"},
	)

	NetworksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_networks_total",
			Help: "Total number of networks",
		},
	)

	// Coordination store (Raft) metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warren_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_scheduling_latency_seconds",
			Help:    "Time taken to choose a placement node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_placements_total",
			Help: "Total number of successful instance placements",
		},
	)

	PlacementFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_placement_failures_total",
			Help: "Total number of placement attempts that found no candidate node",
		},
	)

	// Instance pipeline metrics
	InstanceCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_instance_create_duration_seconds",
			Help:    "Time taken to create an instance end to end in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstanceDeleteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_instance_delete_duration_seconds",
			Help:    "Time taken to delete an instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Image cache metrics
	ImageFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_image_fetch_duration_seconds",
			Help:    "Time taken to fetch and transcode an image in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	ImageCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_image_cache_hits_total",
			Help: "Total number of image cache requests satisfied without a fetch",
		},
	)

	ImageCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_image_cache_misses_total",
			Help: "Total number of image cache requests that required a fetch",
		},
	)

	// Supervisor metrics
	SupervisedProcessRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_supervised_process_restarts_total",
			Help: "Total number of times a supervised worker process was restarted",
		},
		[]string{"role"},
	)

	// Cleaner metrics
	CleanupCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_cleanup_cycles_total",
			Help: "Total number of cleanup cycles completed",
		},
	)

	CleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_cleanup_duration_seconds",
			Help:    "Time taken for a cleanup cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ResourcesReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_resources_reaped_total",
			Help: "Total number of stale resources reaped by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(NetworksTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(PlacementFailuresTotal)
	prometheus.MustRegister(InstanceCreateDuration)
	prometheus.MustRegister(InstanceDeleteDuration)
	prometheus.MustRegister(ImageFetchDuration)
	prometheus.MustRegister(ImageCacheHitsTotal)
	prometheus.MustRegister(ImageCacheMissesTotal)
	prometheus.MustRegister(SupervisedProcessRestartsTotal)
	prometheus.MustRegister(CleanupCyclesTotal)
	prometheus.MustRegister(CleanupDuration)
	prometheus.MustRegister(ResourcesReapedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
