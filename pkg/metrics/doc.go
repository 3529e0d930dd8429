/*
Package metrics provides Prometheus metrics collection and exposition for warren.

The metrics package defines and registers all of warrend's metrics using the
Prometheus client library, providing observability into cluster health,
placement, instance lifecycle, image cache behavior, and API performance.
Metrics are exposed via an HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (node count)         │          │
	│  │  Counter: Monotonic increases (requests)    │          │
	│  │  Histogram: Distributions (latency)         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Cluster: Nodes, instances, networks        │          │
	│  │  Raft: Leader status, peer count            │          │
	│  │  API: Request count, duration               │          │
	│  │  Scheduler: Placement latency, failures     │          │
	│  │  Pipeline: Create/delete duration           │          │
	│  │  Image cache: Fetch duration, hit/miss      │          │
	│  │  Supervisor: Worker restarts                │          │
	│  │  Cleaner: Cycle duration, resources reaped  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Collector:
  - Periodically samples the coordination store (pkg/store) on an
    interval, since cluster-shape gauges (node/instance/network counts,
    Raft leader and peer count) have no other natural call site
  - Started by cmd/warrend alongside the rest of the node's workers

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Cluster Metrics:

warren_nodes_total:
  - Type: Gauge
  - Description: Total number of nodes known to the coordination store

warren_instances_total{state}:
  - Type: Gauge
  - Description: Total instances by state (initial/created/deleted/error)
  - Labels: state

warren_networks_total:
  - Type: Gauge
  - Description: Total number of networks

Raft Metrics:

warren_raft_is_leader:
  - Type: Gauge
  - Description: Whether this node is the Raft leader (1=leader, 0=follower)

warren_raft_peers_total:
  - Type: Gauge
  - Description: Total Raft peers in the cluster

warren_raft_apply_duration_seconds:
  - Type: Histogram
  - Description: Time taken to apply a Raft log entry

API Metrics:

warren_api_requests_total{method, status}:
  - Type: Counter
  - Description: Total API requests by method and status
  - Labels: method, status

warren_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: API request duration in seconds
  - Labels: method

Scheduler Metrics:

warren_scheduling_latency_seconds:
  - Type: Histogram
  - Description: Time taken to choose a placement node

warren_placements_total:
  - Type: Counter
  - Description: Total successful instance placements

warren_placement_failures_total:
  - Type: Counter
  - Description: Total placement attempts that found no candidate node

Instance Pipeline Metrics:

warren_instance_create_duration_seconds:
  - Type: Histogram
  - Description: Time taken to create an instance end to end

warren_instance_delete_duration_seconds:
  - Type: Histogram
  - Description: Time taken to delete an instance

Image Cache Metrics:

warren_image_fetch_duration_seconds:
  - Type: Histogram
  - Description: Time taken to fetch and transcode an image
  - Buckets: 1, 5, 10, 30, 60, 120, 300, 600, 1800 (images are large)

warren_image_cache_hits_total / warren_image_cache_misses_total:
  - Type: Counter
  - Description: Image cache requests satisfied locally vs. requiring a fetch

Supervisor Metrics:

warren_supervised_process_restarts_total{role}:
  - Type: Counter
  - Description: Total times a supervised worker process was restarted
  - Labels: role

Cleaner Metrics:

warren_cleanup_cycles_total:
  - Type: Counter
  - Description: Total cleanup cycles completed

warren_cleanup_duration_seconds:
  - Type: Histogram
  - Description: Time taken for a cleanup cycle

warren_resources_reaped_total{kind}:
  - Type: Counter
  - Description: Total stale resources reaped by kind
  - Labels: kind

# Usage

Updating Gauge Metrics:

	import "github.com/nimbusfleet/warren/pkg/metrics"

	metrics.NodesTotal.Set(5)
	metrics.InstancesTotal.WithLabelValues("created").Set(12)

Updating Counter Metrics:

	metrics.PlacementsTotal.Inc()
	metrics.APIRequestsTotal.WithLabelValues("POST", "OK").Add(1)

Recording Histogram Observations:

	metrics.SchedulingLatency.Observe(0.125) // 125ms

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.InstanceCreateDuration)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.APIRequestDuration, "POST")

# Integration Points

This package integrates with:

  - pkg/store: Collector samples node/instance/network/Raft state
  - pkg/scheduler: Records placement latency and outcome
  - pkg/pipeline: Instruments instance create/delete duration
  - pkg/imagecache: Instruments fetch duration and hit/miss counts
  - pkg/httpapi: Instruments API request count and duration
  - pkg/supervisor: Counts worker restarts per role
  - pkg/cleaner: Instruments cleanup cycle duration and reaped resources
  - Prometheus: Scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (state, role, kind)
  - Avoid high-cardinality labels (instance UUIDs, timestamps)

Timer Pattern:
  - Create timer at operation start
  - Call ObserveDuration/ObserveDurationVec when the operation completes

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
