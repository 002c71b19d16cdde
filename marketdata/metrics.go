package marketdata

import "github.com/prometheus/client_golang/prometheus"

var (
	quoteCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketdata_quote_cache_hits_total",
		Help: "Quote lookups answered from the TTL cache.",
	})
	quoteCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketdata_quote_cache_misses_total",
		Help: "Quote lookups that required an upstream fetch.",
	})
	metaCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketdata_meta_cache_hits_total",
		Help: "Meta lookups answered from the TTL cache.",
	})
	metaCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketdata_meta_cache_misses_total",
		Help: "Meta lookups that required classification.",
	})
	benchCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketdata_benchmark_cache_hits_total",
		Help: "Benchmark lookups answered from the TTL cache.",
	})
	benchCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketdata_benchmark_cache_misses_total",
		Help: "Benchmark lookups that required upstream history.",
	})
	upstreamFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketdata_upstream_failures_total",
		Help: "Upstream provider failures by operation.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		quoteCacheHits,
		quoteCacheMisses,
		metaCacheHits,
		metaCacheMisses,
		benchCacheHits,
		benchCacheMisses,
		upstreamFailures,
	)
}
