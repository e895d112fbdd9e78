package metrics

import "github.com/prometheus/client_golang/prometheus"

// Poll outcomes recorded by MarketMetrics.Polls.
const (
	PollFresh    = "fresh"    // served from cache within TTL
	PollFetched  = "fetched"  // provider call succeeded
	PollFallback = "fallback" // provider failed, cache younger than 2x interval used
	PollStale    = "stale"    // provider failed, no usable cache
)

// MarketMetrics holds Prometheus metrics for the market poller and provider client.
type MarketMetrics struct {
	Polls            *prometheus.CounterVec
	ProviderDuration prometheus.Histogram
	ProviderErrors   *prometheus.CounterVec
	ProviderRetries  prometheus.Counter
	CacheAgeSeconds  prometheus.Gauge
	CircuitOpen      prometheus.Gauge
}

// NewMarketMetrics creates and registers market metrics on the given registry.
func NewMarketMetrics(reg prometheus.Registerer) *MarketMetrics {
	m := &MarketMetrics{
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "polls_total",
			Help:      "Total number of polls, by outcome.",
		}, []string{"outcome"}),
		ProviderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of market provider requests.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "provider_errors_total",
			Help:      "Total number of market provider errors, by kind.",
		}, []string{"kind"}),
		ProviderRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "provider_retries_total",
			Help:      "Total number of retried market provider requests.",
		}),
		CacheAgeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "cache_age_seconds",
			Help:      "Age of the quotes handed to the last dispatch cycle.",
		}),
		CircuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "provider_circuit_open",
			Help:      "1 while the provider circuit breaker is open.",
		}),
	}

	reg.MustRegister(m.Polls, m.ProviderDuration, m.ProviderErrors, m.ProviderRetries, m.CacheAgeSeconds, m.CircuitOpen)
	return m
}
