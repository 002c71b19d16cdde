package fx

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fx_cache_hits_total",
		Help: "Rate lookups answered from the persistent cache",
	})

	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fx_cache_misses_total",
		Help: "Rate lookups that had to ask a provider",
	})

	providerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fx_provider_failures_total",
		Help: "Lookups where the whole provider chain declined",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, providerFailures)
}
