package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	fetches   *prometheus.CounterVec
	retries   prometheus.Counter
	evictions prometheus.Counter
	entries   prometheus.GaugeFunc
}

func newMetrics(entries func() float64) *metrics {
	return &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "query_cache_hits_total",
			Help: "Reads served from fresh cached data.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "query_cache_misses_total",
			Help: "Reads that had to wait for a fetch.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "query_fetch_total",
			Help: "Settled fetches by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "query_retries_total",
			Help: "Fetch attempts after a failure.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "query_evictions_total",
			Help: "Entries removed by garbage collection.",
		}),
		entries: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "query_entries",
			Help: "Entries held in memory.",
		}, entries),
	}
}

func (m *metrics) register(r prometheus.Registerer, lg *zap.Logger) {
	for _, c := range []prometheus.Collector{m.hits, m.misses, m.fetches, m.retries, m.evictions, m.entries} {
		if err := r.Register(c); err != nil {
			lg.Warn("failed to register query metric", zap.Error(err))
		}
	}
}
