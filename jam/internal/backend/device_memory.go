package backend

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/memutils"
)

type Budget struct {
	Statistics memutils.Statistics
	// Usage is the number of bytes currently allocated from the backend
	Usage int
	// Peak is the highest Usage observed since the DeviceMemory was created
	Peak int
	// Limit is the configured ceiling for Usage, or 0 if there is none
	Limit int
}

type MemoryCallbacks interface {
	Allocate(flavor driver.Flavor, device int, ptr driver.Pointer, size int)
	Free(flavor driver.Flavor, device int, ptr driver.Pointer, size int)
}

// DeviceMemory wraps a driver.Backend and keeps per-flavor accounting of everything that
// passes through it. Counters are atomic so they can be read without the allocator lock.
type DeviceMemory struct {
	// Number of real allocations that have been made from the backend
	blockCount [driver.FlavorCount]int32
	// Number of blocks that are currently owned by callers of the allocator
	allocationCount [driver.FlavorCount]int32
	// Size of real allocations that have been made from the backend
	blockBytes [driver.FlavorCount]int64
	// Size of blocks that are currently owned by callers of the allocator
	allocationBytes [driver.FlavorCount]int64
	// High watermark of blockBytes
	peakBytes [driver.FlavorCount]int64

	backend         driver.Backend
	memoryCallbacks MemoryCallbacks
	limits          [driver.FlavorCount]int
}

func NewDeviceMemory(
	backend driver.Backend,
	memoryCallbacks MemoryCallbacks,
	flavorLimits map[driver.Flavor]int,
) (*DeviceMemory, error) {
	if backend == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a backend must be provided")
	}

	memory := &DeviceMemory{
		backend:         backend,
		memoryCallbacks: memoryCallbacks,
	}

	for flavor, limit := range flavorLimits {
		if !flavor.IsValid() {
			return nil, errors.Wrapf(memutils.ErrInvalidArgument, "FlavorLimits contains unknown flavor %d", flavor)
		}
		if limit < 0 {
			return nil, errors.Wrapf(memutils.ErrInvalidArgument, "FlavorLimits for %s is negative (%d)", flavor, limit)
		}
		memory.limits[flavor] = limit
	}

	return memory, nil
}

func (m *DeviceMemory) addBlockAllocation(flavor driver.Flavor, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[flavor], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[flavor], 1)
	m.updatePeak(flavor, newVal)
}

func (m *DeviceMemory) addBlockAllocationWithBudget(flavor driver.Flavor, allocationSize, maxAllocatable int) error {
	var targetVal int64
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[flavor])
		targetVal = currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Mark(
				errors.Newf("allocating %d bytes of %s memory would exceed the limit of %d bytes (%d in use)",
					allocationSize, flavor, maxAllocatable, currentVal),
				memutils.ErrOutOfMemory,
			)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[flavor], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[flavor], 1)
	m.updatePeak(flavor, targetVal)
	return nil
}

func (m *DeviceMemory) removeBlockAllocation(flavor driver.Flavor, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[flavor], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes for flavor %s went negative", flavor))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[flavor], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count for flavor %s went negative", flavor))
	}
}

func (m *DeviceMemory) updatePeak(flavor driver.Flavor, value int64) {
	for {
		peak := atomic.LoadInt64(&m.peakBytes[flavor])
		if value <= peak || atomic.CompareAndSwapInt64(&m.peakBytes[flavor], peak, value) {
			return
		}
	}
}

// Allocate reserves a new block from the backend. Failures caused by a configured flavor
// limit are marked with memutils.ErrOutOfMemory.
func (m *DeviceMemory) Allocate(flavor driver.Flavor, device int, size int) (ptr driver.Pointer, err error) {
	limit := m.limits[flavor]
	if limit == 0 {
		m.addBlockAllocation(flavor, size)
	} else {
		err = m.addBlockAllocationWithBudget(flavor, size, limit)
		if err != nil {
			return 0, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(flavor, size)
		}
	}()

	ptr, err = m.backend.Allocate(flavor, device, size)
	if err != nil {
		return 0, errors.Wrapf(err, "backend failed to allocate %d bytes of %s memory on device %d", size, flavor, device)
	}
	if ptr == 0 {
		return 0, errors.Mark(
			errors.Newf("backend returned a nil pointer for %d bytes of %s memory on device %d", size, flavor, device),
			memutils.ErrOutOfMemory,
		)
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(flavor, device, ptr, size)
	}

	return ptr, nil
}

// Free returns a block to the backend. The accounting is updated even if the backend reports
// an error, since the block can no longer be reached through the allocator either way.
func (m *DeviceMemory) Free(flavor driver.Flavor, device int, ptr driver.Pointer, size int) error {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(flavor, device, ptr, size)
	}

	err := m.backend.Free(flavor, device, ptr)
	m.removeBlockAllocation(flavor, size)
	if err != nil {
		return errors.Wrapf(err, "backend failed to free %s pointer %#x", flavor, uintptr(ptr))
	}

	return nil
}

func (m *DeviceMemory) Copy(srcFlavor, dstFlavor driver.Flavor, src, dst driver.Pointer, size int, ordering driver.Token) error {
	err := m.backend.Copy(srcFlavor, dstFlavor, src, dst, size, ordering)
	if err != nil {
		return errors.Wrapf(err, "backend failed to copy %d bytes from %s to %s memory", size, srcFlavor, dstFlavor)
	}
	return nil
}

func (m *DeviceMemory) Prefetch(ptr driver.Pointer, size int, device int) error {
	err := m.backend.Prefetch(ptr, size, device)
	if err != nil {
		return errors.Wrapf(err, "backend failed to prefetch %d bytes to device %d", size, device)
	}
	return nil
}

// AddAllocation records a block being handed to a caller
func (m *DeviceMemory) AddAllocation(flavor driver.Flavor, size int) {
	atomic.AddInt64(&m.allocationBytes[flavor], int64(size))
	atomic.AddInt32(&m.allocationCount[flavor], 1)
}

// RemoveAllocation records a block being released by its owner
func (m *DeviceMemory) RemoveAllocation(flavor driver.Flavor, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[flavor], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes for flavor %s went negative", flavor))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[flavor], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for flavor %s went negative", flavor))
	}
}

func (m *DeviceMemory) Limit(flavor driver.Flavor) int {
	return m.limits[flavor]
}

func (m *DeviceMemory) BlockBytes(flavor driver.Flavor) int {
	return int(atomic.LoadInt64(&m.blockBytes[flavor]))
}

func (m *DeviceMemory) BlockCount(flavor driver.Flavor) int {
	return int(atomic.LoadInt32(&m.blockCount[flavor]))
}

func (m *DeviceMemory) FlavorBudget(flavor driver.Flavor, budget *Budget) {
	budget.Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[flavor]))
	budget.Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[flavor]))
	budget.Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[flavor]))
	budget.Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[flavor]))

	budget.Usage = budget.Statistics.BlockBytes
	budget.Peak = int(atomic.LoadInt64(&m.peakBytes[flavor]))
	budget.Limit = m.limits[flavor]
}
