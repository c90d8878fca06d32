package jam

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/jam/internal/backend"
	"github.com/vkngwrapper/jitalloc/memutils"
)

// AllocatorStatistics summarizes every block the allocator has received from the backend, broken
// down per flavor
type AllocatorStatistics struct {
	Flavors [driver.FlavorCount]memutils.DetailedStatistics
	Total   memutils.DetailedStatistics
	// Budgets holds the backend accounting of each flavor, taken at the same moment as Flavors
	Budgets [driver.FlavorCount]Budget
}

// Budget reports how much memory of a single flavor is allocated from the backend
type Budget struct {
	// Statistics holds the number of blocks and bytes allocated from the backend, and the number
	// of allocations and bytes currently owned by callers
	Statistics memutils.Statistics
	// Usage is the number of bytes currently allocated from the backend
	Usage int
	// Peak is the highest value Usage has reached
	Peak int
	// Limit is the ceiling set through CreateOptions.FlavorLimits, or 0 if there is none
	Limit int
}

// CalculateStatistics populates the provided stats with the current state of every block
// owned by the allocator, along with each flavor's budget. Everything is read under a single
// lock, so the figures are consistent with each other. This walks every block, so it is not cheap.
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.calculateStatisticsLocked(stats)
}

func (a *Allocator) calculateStatisticsLocked(stats *AllocatorStatistics) {
	stats.Total.Clear()
	for i := range stats.Flavors {
		stats.Flavors[i].Clear()
	}

	a.registry.Visit(func(ptr driver.Pointer, entry registryEntry) {
		flavorStats := &stats.Flavors[entry.key.Flavor]

		switch entry.state {
		case blockStateInUse:
			flavorStats.AddAllocation(entry.key.Size)
		case blockStateDeferred:
			flavorStats.AddDeferred(entry.key.Size)
		case blockStateCached:
			flavorStats.AddCached(entry.key.Size)
		}
	})

	for i := range stats.Flavors {
		stats.Total.AddDetailedStatistics(&stats.Flavors[i])
	}

	for _, flavor := range driver.Flavors() {
		a.readBudget(flavor, &stats.Budgets[flavor])
	}
}

func (a *Allocator) readBudget(flavor driver.Flavor, budget *Budget) {
	var internal backend.Budget
	a.deviceMemory.FlavorBudget(flavor, &internal)

	budget.Statistics = internal.Statistics
	budget.Usage = internal.Usage
	budget.Peak = internal.Peak
	budget.Limit = internal.Limit
}

// GetBudget retrieves the current usage, peak, and limit of a single flavor. It reads atomic
// counters and does not take the allocator's lock.
func (a *Allocator) GetBudget(flavor driver.Flavor, budget *Budget) error {
	if !flavor.IsValid() {
		return errors.Wrapf(memutils.ErrInvalidArgument, "unknown memory flavor %d", flavor)
	}

	a.readBudget(flavor, budget)
	return nil
}

func writeDetailedStatistics(obj *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	obj.Name("BlockCount").Int(stats.BlockCount)
	obj.Name("BlockBytes").Int(stats.BlockBytes)
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("AllocationBytes").Int(stats.AllocationBytes)
	obj.Name("CachedCount").Int(stats.CachedCount)
	obj.Name("CachedBytes").Int(stats.CachedBytes)
	obj.Name("DeferredCount").Int(stats.DeferredCount)
	obj.Name("DeferredBytes").Int(stats.DeferredBytes)

	if stats.AllocationCount > 0 {
		obj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		obj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
}

type blockDescription struct {
	ptr   driver.Pointer
	entry registryEntry
}

// BuildStatsString produces a JSON document describing the allocator's memory use per flavor.
// When detailed is true, every block the allocator owns is listed along with its state.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats AllocatorStatistics
	a.calculateStatisticsLocked(&stats)

	var blocks [driver.FlavorCount][]blockDescription
	if detailed {
		a.registry.Visit(func(ptr driver.Pointer, entry registryEntry) {
			blocks[entry.key.Flavor] = append(blocks[entry.key.Flavor], blockDescription{ptr: ptr, entry: entry})
		})
	}

	writer := jwriter.NewWriter()
	root := writer.Object()

	totalObj := root.Name("Total").Object()
	writeDetailedStatistics(&totalObj, &stats.Total)
	totalObj.End()

	flavorsObj := root.Name("Flavors").Object()
	for _, flavor := range driver.Flavors() {
		budget := &stats.Budgets[flavor]

		flavorObj := flavorsObj.Name(flavor.String()).Object()
		writeDetailedStatistics(&flavorObj, &stats.Flavors[flavor])

		budgetObj := flavorObj.Name("Budget").Object()
		budgetObj.Name("Usage").Int(budget.Usage)
		budgetObj.Name("Peak").Int(budget.Peak)
		budgetObj.Name("Limit").Int(budget.Limit)
		budgetObj.End()

		if detailed {
			flavorBlocks := blocks[flavor]
			sort.Slice(flavorBlocks, func(i, j int) bool {
				return flavorBlocks[i].ptr < flavorBlocks[j].ptr
			})

			blocksArr := flavorObj.Name("Blocks").Array()
			for _, block := range flavorBlocks {
				blockObj := blocksArr.Object()
				blockObj.Name("Pointer").String(fmt.Sprintf("%#x", uintptr(block.ptr)))
				blockObj.Name("Device").Int(block.entry.key.Device)
				blockObj.Name("Size").Int(block.entry.key.Size)
				blockObj.Name("State").String(block.entry.state.String())
				if block.entry.id != NoID {
					blockObj.Name("ID").String(block.entry.id.String())
				}
				blockObj.End()
			}
			blocksArr.End()
		}

		flavorObj.End()
	}
	flavorsObj.End()

	root.End()
	return string(writer.Bytes())
}
