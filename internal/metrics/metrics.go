package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkersByState tracks the fleet composition the dashboard shows.
	WorkersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "clusterdash",
		Name:      "workers",
		Help:      "Worker instances by worker status.",
	}, []string{"worker_status"})

	MonitorPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clusterdash",
		Name:      "monitor_pass_duration_seconds",
		Help:      "Duration of one monitor status pass.",
		Buckets:   prometheus.DefBuckets,
	})

	CloudPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clusterdash",
		Name:      "cloud_poll_failures_total",
		Help:      "Failed cloud state refreshes.",
	})

	AutoscaleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clusterdash",
		Name:      "autoscale_events_total",
		Help:      "Autoscaling decisions that changed the fleet.",
	}, []string{"direction"})

	InstanceReboots = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clusterdash",
		Name:      "instance_reboots_total",
		Help:      "Reboots issued by instance maintenance.",
	})

	InstanceTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clusterdash",
		Name:      "instance_terminations_total",
		Help:      "Terminations issued by instance maintenance or scale-down.",
	})
)
