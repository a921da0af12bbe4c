package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeNoCapacity  = "no_capacity"
	OutcomeUnreachable = "unreachable"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

// latency histograms track 1µs..1h with 3 significant figures
const (
	histMinMicros = 1
	histMaxMicros = int64(time.Hour / time.Microsecond)
	histSigFigs   = 3
)

// Stats records dispatch latency percentiles per tag and exports dispatch
// counters and registry gauges to Prometheus.
type Stats struct {
	mu       sync.Mutex
	latency  map[string]*hdrhistogram.Histogram
	outcomes map[string]map[string]int64

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	expirations      prometheus.Counter
}

// NewStats creates Stats registering its metrics with registerer. A nil
// registerer keeps the metrics unregistered.
func NewStats(registerer prometheus.Registerer) *Stats {
	factory := promauto.With(registerer)
	return &Stats{
		latency:  make(map[string]*hdrhistogram.Histogram),
		outcomes: make(map[string]map[string]int64),
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofsearch_dispatch_total",
				Help: "Dispatched requests by tag and outcome",
			},
			[]string{"tag", "outcome"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proofsearch_dispatch_duration_seconds",
				Help:    "Dispatch duration including admission wait and retries",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 9), // 10ms to ~11min
			},
			[]string{"tag"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofsearch_dispatch_retries_total",
				Help: "Transport failures that caused a retry against another worker",
			},
			[]string{"tag"},
		),
		expirations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proofsearch_worker_expirations_total",
				Help: "Workers evicted by the health monitor",
			},
		),
	}
}

// RecordDispatch records one finished dispatch.
func (s *Stats) RecordDispatch(tag, outcome string, d time.Duration) {
	s.dispatchTotal.WithLabelValues(tag, outcome).Inc()
	s.dispatchDuration.WithLabelValues(tag).Observe(d.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcomes[tag] == nil {
		s.outcomes[tag] = make(map[string]int64)
	}
	s.outcomes[tag][outcome]++

	if outcome != OutcomeOK {
		return
	}
	h, ok := s.latency[tag]
	if !ok {
		h = hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs)
		s.latency[tag] = h
	}
	micros := d.Microseconds()
	if micros < histMinMicros {
		micros = histMinMicros
	}
	if micros > histMaxMicros {
		micros = histMaxMicros
	}
	_ = h.RecordValue(micros)
}

// RecordRetry counts a retry after a transport failure.
func (s *Stats) RecordRetry(tag string) {
	s.retries.WithLabelValues(tag).Inc()
}

// RecordExpirations counts workers evicted by a sweep.
func (s *Stats) RecordExpirations(n int) {
	s.expirations.Add(float64(n))
}

// TagStats summarizes dispatches for one tag. Latencies are in milliseconds
// and cover successful dispatches only.
type TagStats struct {
	Tag      string           `json:"tag"`
	Outcomes map[string]int64 `json:"outcomes"`
	Count    int64            `json:"count"`
	MeanMs   float64          `json:"mean_ms"`
	P50Ms    float64          `json:"p50_ms"`
	P90Ms    float64          `json:"p90_ms"`
	P99Ms    float64          `json:"p99_ms"`
	MaxMs    float64          `json:"max_ms"`
}

// Snapshot returns per-tag statistics sorted by tag.
func (s *Stats) Snapshot() []TagStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]TagStats, 0, len(s.outcomes))
	for tag, outcomes := range s.outcomes {
		ts := TagStats{Tag: tag, Outcomes: make(map[string]int64, len(outcomes))}
		for k, v := range outcomes {
			ts.Outcomes[k] = v
		}
		if h, ok := s.latency[tag]; ok {
			ts.Count = h.TotalCount()
			ts.MeanMs = h.Mean() / 1000
			ts.P50Ms = float64(h.ValueAtQuantile(50)) / 1000
			ts.P90Ms = float64(h.ValueAtQuantile(90)) / 1000
			ts.P99Ms = float64(h.ValueAtQuantile(99)) / 1000
			ts.MaxMs = float64(h.Max()) / 1000
		}
		result = append(result, ts)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Tag < result[j].Tag })
	return result
}

// registryCollector exports registry gauges at scrape time.
type registryCollector struct {
	registry *InMemoryRegistry
	live     *prometheus.Desc
	draining *prometheus.Desc
	inflight *prometheus.Desc
}

// NewRegistryCollector returns a Prometheus collector for registry gauges.
func NewRegistryCollector(registry *InMemoryRegistry) prometheus.Collector {
	return &registryCollector{
		registry: registry,
		live: prometheus.NewDesc("proofsearch_workers_live",
			"Routable workers by tag", []string{"tag"}, nil),
		draining: prometheus.NewDesc("proofsearch_workers_draining",
			"Workers finishing in-flight work", nil, nil),
		inflight: prometheus.NewDesc("proofsearch_requests_inflight",
			"Requests currently forwarded to workers", nil, nil),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.live
	ch <- c.draining
	ch <- c.inflight
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.registry.Stats()
	for tag, n := range stats.ByTag {
		ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(n), tag)
	}
	ch <- prometheus.MustNewConstMetric(c.draining, prometheus.GaugeValue, float64(stats.Draining))
	ch <- prometheus.MustNewConstMetric(c.inflight, prometheus.GaugeValue, float64(stats.Inflight))
}
