// Package metrics exports allocator statistics to Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/jam"
)

const (
	descBackendBytes = iota
	descBackendPeakBytes
	descBackendLimitBytes
	descBackendBlocks
	descAllocatedBytes
	descAllocations
	descCachedBytes
	descCachedBlocks
	descDeferredBytes
	descDeferredBlocks
)

var (
	flavorLabels = []string{"flavor"}

	descriptors = []*prometheus.Desc{
		descBackendBytes: prometheus.NewDesc(
			"jitalloc_backend_bytes",
			"Bytes currently allocated from the backend.",
			flavorLabels,
			nil,
		),
		descBackendPeakBytes: prometheus.NewDesc(
			"jitalloc_backend_peak_bytes",
			"Highest number of bytes allocated from the backend at once.",
			flavorLabels,
			nil,
		),
		descBackendLimitBytes: prometheus.NewDesc(
			"jitalloc_backend_limit_bytes",
			"Configured ceiling on bytes allocated from the backend, 0 if unlimited.",
			flavorLabels,
			nil,
		),
		descBackendBlocks: prometheus.NewDesc(
			"jitalloc_backend_blocks",
			"Number of blocks currently allocated from the backend.",
			flavorLabels,
			nil,
		),
		descAllocatedBytes: prometheus.NewDesc(
			"jitalloc_allocated_bytes",
			"Bytes in blocks owned by callers.",
			flavorLabels,
			nil,
		),
		descAllocations: prometheus.NewDesc(
			"jitalloc_allocations",
			"Number of blocks owned by callers.",
			flavorLabels,
			nil,
		),
		descCachedBytes: prometheus.NewDesc(
			"jitalloc_cached_bytes",
			"Bytes in blocks waiting in the free-block cache.",
			flavorLabels,
			nil,
		),
		descCachedBlocks: prometheus.NewDesc(
			"jitalloc_cached_blocks",
			"Number of blocks waiting in the free-block cache.",
			flavorLabels,
			nil,
		),
		descDeferredBytes: prometheus.NewDesc(
			"jitalloc_deferred_bytes",
			"Bytes in freed blocks waiting on asynchronous work.",
			flavorLabels,
			nil,
		),
		descDeferredBlocks: prometheus.NewDesc(
			"jitalloc_deferred_blocks",
			"Number of freed blocks waiting on asynchronous work.",
			flavorLabels,
			nil,
		),
	}
)

// Collector is a prometheus.Collector reporting per-flavor statistics of an Allocator
type Collector struct {
	allocator *jam.Allocator
}

var _ prometheus.Collector = &Collector{}

func NewCollector(allocator *jam.Allocator) *Collector {
	return &Collector{allocator: allocator}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range descriptors {
		ch <- desc
	}
}

// Collect reports every gauge from one statistics snapshot
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var stats jam.AllocatorStatistics
	c.allocator.CalculateStatistics(&stats)

	for _, flavor := range driver.Flavors() {
		name := flavor.String()
		flavorStats := &stats.Flavors[flavor]
		budget := &stats.Budgets[flavor]

		gauge := func(desc int, value int) {
			ch <- prometheus.MustNewConstMetric(descriptors[desc], prometheus.GaugeValue, float64(value), name)
		}

		gauge(descBackendBytes, budget.Usage)
		gauge(descBackendPeakBytes, budget.Peak)
		gauge(descBackendLimitBytes, budget.Limit)
		gauge(descBackendBlocks, budget.Statistics.BlockCount)
		gauge(descAllocatedBytes, flavorStats.AllocationBytes)
		gauge(descAllocations, flavorStats.AllocationCount)
		gauge(descCachedBytes, flavorStats.CachedBytes)
		gauge(descCachedBlocks, flavorStats.CachedCount)
		gauge(descDeferredBytes, flavorStats.DeferredBytes)
		gauge(descDeferredBlocks, flavorStats.DeferredCount)
	}
}
