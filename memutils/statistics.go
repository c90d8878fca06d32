package memutils

import "math"

// Statistics counts memory from two points of view: blocks are what the backend has actually
// allocated, allocations are the subset of those blocks currently owned by callers
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with a breakdown of the blocks that are not owned by
// a caller: cached blocks are ready for reuse, deferred blocks are waiting on asynchronous work
type DetailedStatistics struct {
	Statistics
	CachedCount       int
	CachedBytes       int
	DeferredCount     int
	DeferredBytes     int
	AllocationSizeMin int
	AllocationSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.CachedCount = 0
	s.CachedBytes = 0
	s.DeferredCount = 0
	s.DeferredBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
}

// AddAllocation records a block that is owned by a caller
func (s *DetailedStatistics) AddAllocation(size int) {
	s.addBlock(size)
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

// AddCached records a block sitting in the free-block cache
func (s *DetailedStatistics) AddCached(size int) {
	s.addBlock(size)
	s.CachedCount++
	s.CachedBytes += size
}

// AddDeferred records a block released by its owner but still waiting on asynchronous work
func (s *DetailedStatistics) AddDeferred(size int) {
	s.addBlock(size)
	s.DeferredCount++
	s.DeferredBytes += size
}

func (s *DetailedStatistics) addBlock(size int) {
	s.BlockCount++
	s.BlockBytes += size
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.CachedCount += other.CachedCount
	s.CachedBytes += other.CachedBytes
	s.DeferredCount += other.DeferredCount
	s.DeferredBytes += other.DeferredBytes

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
