package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are read-only observability counters/gauges (§10.6): never
// load-bearing for correctness, safe to scrape concurrently, registered once
// per process against the default registry.
var (
	blocksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lattice",
		Name:      "blocks_processed_total",
		Help:      "Blocks ingested by Ledger.Process, labeled by result code.",
	}, []string{"code"})

	activeElections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lattice",
		Name:      "active_elections",
		Help:      "Number of elections currently tracked by the election manager.",
	})

	committeeSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lattice",
		Name:      "committee_size",
		Help:      "Number of accounts currently seated as active witnesses.",
	})

	peerTableSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lattice",
		Name:      "peer_table_size",
		Help:      "Number of peers currently tracked by the gossip layer.",
	})

	bootstrapBlocksPulled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lattice",
		Name:      "bootstrap_blocks_pulled_total",
		Help:      "Blocks received over bulk_pull during bootstrap sync.",
	})

	bootstrapBlocksPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lattice",
		Name:      "bootstrap_blocks_pushed_total",
		Help:      "Blocks sent over bulk_push during bootstrap sync.",
	})
)

func init() {
	prometheus.MustRegister(
		blocksProcessed,
		activeElections,
		committeeSize,
		peerTableSize,
		bootstrapBlocksPulled,
		bootstrapBlocksPushed,
	)
}

func observeBlockProcessed(code ProcessCode) {
	blocksProcessed.WithLabelValues(code.String()).Inc()
}

func setActiveElections(n int) { activeElections.Set(float64(n)) }

func setCommitteeSize(n int) { committeeSize.Set(float64(n)) }

func setPeerTableSize(n int) { peerTableSize.Set(float64(n)) }

func addBootstrapBlocksPulled(n int) { bootstrapBlocksPulled.Add(float64(n)) }

func addBootstrapBlocksPushed(n int) { bootstrapBlocksPushed.Add(float64(n)) }
