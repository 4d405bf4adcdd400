package batcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector observes flush activity
type StatsCollector interface {
	// ObserveSubscribe is called for every registration
	ObserveSubscribe(queryType QueryType)
	// ObserveFetch is called once per group fetch
	ObserveFetch(queryType QueryType, ids int, duration time.Duration, err error)
	// ObserveCycle is called once per flush cycle with the number of groups flushed
	ObserveCycle(groups int)
}

type noopStats struct{}

func (noopStats) ObserveSubscribe(QueryType)                        {}
func (noopStats) ObserveFetch(QueryType, int, time.Duration, error) {}
func (noopStats) ObserveCycle(int)                                  {}

// PrometheusStats exports coordinator activity as Prometheus metrics.
// Labels are bounded by the closed set of query types.
type PrometheusStats struct {
	subscriptions  *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	fetchErrors    *prometheus.CounterVec
	idsPerFetch    *prometheus.HistogramVec
	fetchDuration  *prometheus.HistogramVec
	cycles         prometheus.Counter
	groupsPerCycle prometheus.Histogram
}

// NewPrometheusStats creates the collectors and registers them with reg
func NewPrometheusStats(reg prometheus.Registerer) (*PrometheusStats, error) {
	s := &PrometheusStats{
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_batcher_subscriptions_total",
			Help: "Total lookups registered with the batch coordinator",
		}, []string{"query_type"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_batcher_fetches_total",
			Help: "Total coalesced backend fetches issued",
		}, []string{"query_type"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_batcher_fetch_errors_total",
			Help: "Total coalesced backend fetches that failed",
		}, []string{"query_type"}),
		idsPerFetch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "manifold_batcher_ids_per_fetch",
			Help:    "Distribution of unique identifiers per backend fetch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
		}, []string{"query_type"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "manifold_batcher_fetch_duration_seconds",
			Help:    "Backend fetch latency per query type",
			Buckets: prometheus.DefBuckets,
		}, []string{"query_type"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manifold_batcher_cycles_total",
			Help: "Total flush cycles executed",
		}),
		groupsPerCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "manifold_batcher_groups_per_cycle",
			Help:    "Distribution of request groups flushed per cycle",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
	}

	collectors := []prometheus.Collector{
		s.subscriptions, s.fetches, s.fetchErrors, s.idsPerFetch,
		s.fetchDuration, s.cycles, s.groupsPerCycle,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ObserveSubscribe implements StatsCollector
func (s *PrometheusStats) ObserveSubscribe(queryType QueryType) {
	s.subscriptions.WithLabelValues(string(queryType)).Inc()
}

// ObserveFetch implements StatsCollector
func (s *PrometheusStats) ObserveFetch(queryType QueryType, ids int, duration time.Duration, err error) {
	label := string(queryType)
	s.fetches.WithLabelValues(label).Inc()
	s.idsPerFetch.WithLabelValues(label).Observe(float64(ids))
	s.fetchDuration.WithLabelValues(label).Observe(duration.Seconds())
	if err != nil {
		s.fetchErrors.WithLabelValues(label).Inc()
	}
}

// ObserveCycle implements StatsCollector
func (s *PrometheusStats) ObserveCycle(groups int) {
	s.cycles.Inc()
	s.groupsPerCycle.Observe(float64(groups))
}
