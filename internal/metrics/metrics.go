package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "allfeat"

// Set holds every collector the node exposes. One Set per node, registered
// on its own registry so tests can create as many as they want.
type Set struct {
	registry *prometheus.Registry

	// Chain.
	BlocksImported  prometheus.Counter
	ChainHeight     prometheus.Gauge
	FinalizedHeight prometheus.Gauge
	Reorgs          prometheus.Counter

	// Background tasks.
	TaskStarts   *prometheus.CounterVec
	TaskFailures *prometheus.CounterVec

	// EVM-compatibility indexer.
	IndexedHeight    prometheus.Gauge
	IndexerLag       prometheus.Gauge
	IndexerBatchSize prometheus.Histogram

	// RPC caches.
	FilterPoolSize  prometheus.Gauge
	FeeCacheEntries prometheus.Gauge

	// Mempool and network.
	MempoolSize prometheus.Gauge
	Peers       prometheus.Gauge

	// Finality.
	VotesCast prometheus.Counter
}

// New builds a Set on a fresh registry, including the standard Go and
// process collectors.
func New() *Set {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Set{
		registry: registry,

		BlocksImported: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "blocks_imported_total",
			Help: "Blocks accepted into the canonical chain.",
		}),
		ChainHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "height",
			Help: "Height of the canonical chain tip.",
		}),
		FinalizedHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "finalized_height",
			Help: "Height of the latest finalized block.",
		}),
		Reorgs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "reorgs_total",
			Help: "Chain reorganizations performed.",
		}),

		TaskStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "task", Name: "starts_total",
			Help: "Background task launches.",
		}, []string{"task"}),
		TaskFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "task", Name: "failures_total",
			Help: "Background task exits with an error.",
		}, []string{"task"}),

		IndexedHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "evm", Name: "indexed_height",
			Help: "Highest block height present in the EVM index.",
		}),
		IndexerLag: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "evm", Name: "indexer_lag",
			Help: "Blocks between the chain tip and the EVM index.",
		}),
		IndexerBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "evm", Name: "batch_size",
			Help:    "Entries written per indexer batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		FilterPoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "filter_pool_size",
			Help: "Installed log filters.",
		}),
		FeeCacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "fee_cache_entries",
			Help: "Blocks held by the fee-history cache.",
		}),

		MempoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mempool", Name: "size",
			Help: "Pending transactions in the pool.",
		}),
		Peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "p2p", Name: "peers",
			Help: "Connected peers.",
		}),

		VotesCast: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "finality", Name: "votes_cast_total",
			Help: "Finality votes signed and broadcast by this node.",
		}),
	}
}

// Registry exposes the underlying registry for additional collectors.
func (s *Set) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the set in the Prometheus text format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
