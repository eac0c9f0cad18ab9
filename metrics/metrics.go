// Package metrics exposes the storage/VM subsystems' runtime counters as
// Prometheus collectors, grounded on talyz-systemd_exporter's
// systemd.Collector: one struct per subsystem holding its *prometheus.Desc
// fields, a Describe that sends each Desc once, and a Collect that samples
// live state on every scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"coreos/cache"
	"coreos/frame"
	"coreos/swap"
)

const namespace = "coreos"

// CacheCollector exposes a cache.Cache's hit/miss/eviction/flush counters.
type CacheCollector struct {
	c *cache.Cache

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	evictions  *prometheus.Desc
	flushes    *prometheus.Desc
	readaheads *prometheus.Desc
}

// NewCacheCollector returns a Collector sampling c on every scrape.
func NewCacheCollector(c *cache.Cache) *CacheCollector {
	return &CacheCollector{
		c: c,
		hits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "hits_total"),
			"Buffer cache lookups satisfied by an already-resident entry.", nil, nil),
		misses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "misses_total"),
			"Buffer cache lookups that required a disk read.", nil, nil),
		evictions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "evictions_total"),
			"Dirty cache entries written back to make room for a miss.", nil, nil),
		flushes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "flushes_total"),
			"Sectors written back by explicit flushes or the background flusher.", nil, nil),
		readaheads: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "readaheads_total"),
			"Speculative sector reads issued by the read-ahead path.", nil, nil),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.flushes
	ch <- c.readaheads
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.c.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.flushes, prometheus.CounterValue, float64(s.Flushes))
	ch <- prometheus.MustNewConstMetric(c.readaheads, prometheus.CounterValue, float64(s.Readaheads))
}

// FrameCollector exposes a frame.Table's occupancy.
type FrameCollector struct {
	t *frame.Table

	total *prometheus.Desc
	inUse *prometheus.Desc
}

// NewFrameCollector returns a Collector sampling t on every scrape.
func NewFrameCollector(t *frame.Table) *FrameCollector {
	return &FrameCollector{
		t: t,
		total: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "frames", "total"),
			"Total frames in the physical-frame pool.", nil, nil),
		inUse: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "frames", "in_use"),
			"Frames currently bound to a virtual page.", nil, nil),
	}
}

func (f *FrameCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- f.total
	ch <- f.inUse
}

func (f *FrameCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(f.total, prometheus.GaugeValue, float64(f.t.Len()))
	ch <- prometheus.MustNewConstMetric(f.inUse, prometheus.GaugeValue, float64(f.t.InUse()))
}

// SwapCollector exposes a swap.Map's slot occupancy.
type SwapCollector struct {
	m *swap.Map

	total *prometheus.Desc
	used  *prometheus.Desc
}

// NewSwapCollector returns a Collector sampling m on every scrape.
func NewSwapCollector(m *swap.Map) *SwapCollector {
	return &SwapCollector{
		m: m,
		total: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swap", "slots_total"),
			"Total page-sized slots in the swap area.", nil, nil),
		used: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swap", "slots_used"),
			"Swap slots currently occupied.", nil, nil),
	}
}

func (s *SwapCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.total
	ch <- s.used
}

func (s *SwapCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(s.total, prometheus.GaugeValue, float64(s.m.Slots()))
	ch <- prometheus.MustNewConstMetric(s.used, prometheus.GaugeValue, float64(s.m.Used()))
}
