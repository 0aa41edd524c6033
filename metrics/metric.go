package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dsmeta"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)
	GRPCClientMetrics = grpcprometheus.NewClientMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	ChangelogRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "changelog",
		Name:      "records_total",
		Help:      "changelog records by content tag and action",
	}, []string{"tag", "action"})

	NamespaceObjects = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "namespace",
		Name:      "objects",
		Help:      "number of files and containers in the namespace",
	}, []string{"kind"})

	FsckRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fsck",
		Name:      "repairs_total",
		Help:      "fsck repairs by error kind and result",
	}, []string{"kind", "result"})

	BalancerGroupState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "balancer",
		Name:      "group_balancing",
		Help:      "1 if the group is balancing",
	}, []string{"space", "group"})

	BalancerScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "balancer",
		Name:      "scheduled_total",
		Help:      "transfers scheduled by group balancers",
	}, []string{"space", "group"})

	TransferJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "jobs_total",
		Help:      "finished transfer jobs by kind and status",
	}, []string{"kind", "status"})

	GCEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "evictions_total",
		Help:      "tape gc stage-remove attempts by result",
	}, []string{"result"})

	GCQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "queue_size",
		Help:      "files in the tape gc lru queue",
	})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		GRPCClientMetrics,
		ChangelogRecords,
		NamespaceObjects,
		FsckRepairs,
		BalancerGroupState,
		BalancerScheduled,
		TransferJobs,
		GCEvictions,
		GCQueueSize,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
