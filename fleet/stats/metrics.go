package stats

import (
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace = "FleetKV"
)

var (
	Gather = prometheus.NewRegistry()

	DistributorIsLockHolder = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "distributor",
			Name:      "is_lock_holder",
			Help:      "whether this instance holds the move-keys lock",
		})

	DistributorRestartCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "distributor",
			Name:      "restarts",
			Help:      "Counter of bootstrap loop restarts by cause.",
		}, []string{"cause"})

	RelocationQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "distributor",
			Name:      "relocation_queue_length",
			Help:      "pending relocations",
		})

	RelocationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "distributor",
			Name:      "relocations_in_flight",
			Help:      "executing relocations",
		})

	RelocationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "distributor",
			Name:      "relocations",
			Help:      "Counter of completed relocations by reason and outcome.",
		}, []string{"reason", "outcome"})

	ShardCountGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "distributor",
			Name:      "shards",
			Help:      "tracked shards",
		})

	AuditTasksIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "audit",
			Name:      "tasks_issued",
			Help:      "Counter of audit tasks sent to storage servers.",
		}, []string{"type"})

	AuditTasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "audit",
			Name:      "tasks_completed",
			Help:      "Counter of audit tasks completed.",
		}, []string{"type"})

	AuditFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "audit",
			Name:      "finished",
			Help:      "Counter of audits reaching a final phase.",
		}, []string{"type", "phase"})

	TenantCountGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "tenant",
			Name:      "count",
			Help:      "tenants on this cluster",
		})

	TenantOpHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "tenant",
			Name:      "op_seconds",
			Help:      "Bucketed histogram of tenant operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 24),
		}, []string{"op"})

	SnapshotRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "distributor",
			Name:      "snapshot_requests",
			Help:      "Counter of snapshot requests by outcome.",
		}, []string{"outcome"})
)

func init() {
	Gather.MustRegister(DistributorIsLockHolder)
	Gather.MustRegister(DistributorRestartCounter)
	Gather.MustRegister(RelocationQueueLength)
	Gather.MustRegister(RelocationsInFlight)
	Gather.MustRegister(RelocationCounter)
	Gather.MustRegister(ShardCountGauge)
	Gather.MustRegister(AuditTasksIssued)
	Gather.MustRegister(AuditTasksCompleted)
	Gather.MustRegister(AuditFinished)
	Gather.MustRegister(TenantCountGauge)
	Gather.MustRegister(TenantOpHistogram)
	Gather.MustRegister(SnapshotRequestCounter)
	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// StartMetricsServer serves the registry on addr/metrics.
func StartMetricsServer(addr string) {
	if addr == "" {
		return
	}
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(Gather, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: addr, ReadHeaderTimeout: 5 * time.Second}
		glog.V(0).Infof("metrics server on %s", addr)
		if err := server.ListenAndServe(); err != nil {
			glog.Errorf("metrics server: %v", err)
		}
	}()
}
