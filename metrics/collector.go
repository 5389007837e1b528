// Package metrics exports the accelerator counters to Prometheus.
package metrics

import (
	"time"

	"github.com/agentuity/querycache/cache"
	"github.com/agentuity/querycache/dedupe"
	"github.com/agentuity/querycache/invalidation"
	"github.com/agentuity/querycache/preheat"
	"github.com/prometheus/client_golang/prometheus"
)

// Report is the combined view of every component.
type Report struct {
	Cache        cache.Snapshot     `json:"cache"`
	Dedupe       dedupe.Stats       `json:"dedupe"`
	Preheat      preheat.Stats      `json:"preheat"`
	Invalidation invalidation.Stats `json:"invalidation"`
}

// Source returns the current report.
type Source func() Report

// Query outcomes observed by ObserveQuery.
const (
	OutcomeHit      = "hit"
	OutcomeComputed = "computed"
	OutcomeError    = "error"
)

type desc struct {
	d     *prometheus.Desc
	kind  prometheus.ValueType
	value func(r Report) float64
}

// Collector is a prometheus.Collector reading a Source on every scrape.
// The component counters can be reset by an admin, so they are exported
// as constant metrics rather than registered counters.
type Collector struct {
	source   Source
	descs    []desc
	duration *prometheus.HistogramVec
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector with every metric under namespace.
func NewCollector(namespace string, source Source) *Collector {
	c := &Collector{
		source: source,
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Duration of accelerated queries by outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}
	counter := func(name, help string, fn func(r Report) float64) {
		c.descs = append(c.descs, desc{prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil), prometheus.CounterValue, fn})
	}
	gauge := func(name, help string, fn func(r Report) float64) {
		c.descs = append(c.descs, desc{prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil), prometheus.GaugeValue, fn})
	}
	counter("cache_hits_total", "Cache hits in any tier", func(r Report) float64 { return float64(r.Cache.Hits) })
	counter("cache_misses_total", "Cache misses", func(r Report) float64 { return float64(r.Cache.Misses) })
	counter("cache_sets_total", "Cache sets", func(r Report) float64 { return float64(r.Cache.Sets) })
	counter("cache_deletes_total", "Cache deletes, including pattern deletes", func(r Report) float64 { return float64(r.Cache.Deletes) })
	counter("cache_local_hits_total", "Hits served by the local tier", func(r Report) float64 { return float64(r.Cache.LocalHits) })
	counter("cache_remote_hits_total", "Hits served by the remote or fallback tier", func(r Report) float64 { return float64(r.Cache.RemoteHits) })
	counter("cache_remote_errors_total", "Remote failures absorbed", func(r Report) float64 { return float64(r.Cache.RemoteErrors) })
	counter("cache_decode_errors_total", "Values that could not be decoded", func(r Report) float64 { return float64(r.Cache.DecodeErrors) })
	counter("cache_evictions_total", "Local tier capacity evictions", func(r Report) float64 { return float64(r.Cache.Evictions) })
	gauge("cache_local_entries", "Entries in the local tier", func(r Report) float64 { return float64(r.Cache.LocalSize) })
	gauge("cache_local_capacity", "Capacity of the local tier", func(r Report) float64 { return float64(r.Cache.LocalCapacity) })
	gauge("cache_fallback_entries", "Entries in the process-memory fallback", func(r Report) float64 { return float64(r.Cache.FallbackSize) })
	gauge("cache_remote_connected", "1 when the remote store is connected", func(r Report) float64 { return boolValue(r.Cache.RemoteConnected) })
	gauge("cache_breaker_open", "1 when the remote circuit breaker is not closed", func(r Report) float64 { return boolValue(r.Cache.Breaker != "CLOSED") })
	counter("dedupe_calls_total", "Deduplicated calls", func(r Report) float64 { return float64(r.Dedupe.Calls) })
	counter("dedupe_executions_total", "Computations actually run", func(r Report) float64 { return float64(r.Dedupe.Executions) })
	counter("dedupe_shared_total", "Calls that shared a computation", func(r Report) float64 { return float64(r.Dedupe.Shared) })
	counter("dedupe_failures_total", "Failed computations", func(r Report) float64 { return float64(r.Dedupe.Failures) })
	gauge("dedupe_in_flight", "Computations running", func(r Report) float64 { return float64(r.Dedupe.InFlight) })
	gauge("preheat_records", "Access records held", func(r Report) float64 { return float64(r.Preheat.Records) })
	gauge("preheat_in_flight", "Preheats running", func(r Report) float64 { return float64(r.Preheat.InFlight) })
	counter("preheat_scheduled_total", "Preheats scheduled", func(r Report) float64 { return float64(r.Preheat.Scheduled) })
	counter("preheat_succeeded_total", "Preheats that stored a value", func(r Report) float64 { return float64(r.Preheat.Succeeded) })
	counter("preheat_failed_total", "Preheats whose recompute failed", func(r Report) float64 { return float64(r.Preheat.Failed) })
	counter("invalidation_events_total", "Invalidation events", func(r Report) float64 { return float64(r.Invalidation.Events) })
	counter("invalidation_deleted_total", "Keys removed by invalidation", func(r Report) float64 { return float64(r.Invalidation.Deleted) })
	counter("invalidation_failures_total", "Invalidation failures", func(r Report) float64 { return float64(r.Invalidation.Failures) })
	return c
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveQuery records the duration of one query.
func (c *Collector) ObserveQuery(outcome string, d time.Duration) {
	c.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.d
	}
	c.duration.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	r := c.source()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.d, d.kind, d.value(r))
	}
	c.duration.Collect(ch)
}
