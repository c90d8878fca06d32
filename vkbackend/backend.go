// Package vkbackend implements driver.Backend on top of a Vulkan device. Each flavor is served
// from the memory type that best matches it. Block contents can only be copied between memory
// types the host can map; copies that need a transfer queue are rejected.
package vkbackend

import (
	"context"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	vkdriver "github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/memutils"
	"golang.org/x/exp/slog"
)

// ErrUnsupported is returned for operations the device cannot carry out from the host
var ErrUnsupported = errors.New("operation is not supported by the vulkan backend")

const firstHandle driver.Pointer = 0x1000

type deviceAllocation struct {
	memory          core1_0.DeviceMemory
	flavor          driver.Flavor
	size            int
	memoryTypeIndex int
}

// Backend allocates every block as its own VkDeviceMemory. The pointers it hands out are opaque
// handles, not addresses.
type Backend struct {
	mutex               sync.Mutex
	logger              *slog.Logger
	device              core1_0.Device
	allocationCallbacks *vkdriver.AllocationCallbacks
	memoryProperties    *core1_0.PhysicalDeviceMemoryProperties

	memoryTypes [driver.FlavorCount]int
	allocations map[driver.Pointer]*deviceAllocation
	nextHandle  driver.Pointer
}

var _ driver.Backend = &Backend{}

// New creates a Backend for a single logical device. Flavors that no memory type of the device
// can serve are logged and fail at allocation time. allocationCallbacks may be nil.
func New(
	logger *slog.Logger,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	allocationCallbacks *vkdriver.AllocationCallbacks,
) (*Backend, error) {
	if physicalDevice == nil || device == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a physical device and a device must be provided")
	}

	backend := &Backend{
		logger:              logger,
		device:              device,
		allocationCallbacks: allocationCallbacks,
		memoryProperties:    physicalDevice.MemoryProperties(),
		allocations:         make(map[driver.Pointer]*deviceAllocation),
		nextHandle:          firstHandle,
	}

	for _, flavor := range driver.Flavors() {
		index, err := findMemoryTypeIndex(backend.memoryProperties, flavor)
		if err != nil {
			logger.LogAttrs(context.Background(), slog.LevelWarn, "memory flavor is unavailable",
				slog.String("Flavor", flavor.String()),
				slog.Any("error", err),
			)
		}
		backend.memoryTypes[flavor] = index

		logger.Debug("vkbackend::New", slog.String("Flavor", flavor.String()), slog.Int("MemoryTypeIndex", index))
	}

	return backend, nil
}

// MemoryTypeIndex returns the memory type that serves a flavor, or -1 if none can
func (b *Backend) MemoryTypeIndex(flavor driver.Flavor) int {
	if !flavor.IsValid() {
		return -1
	}
	return b.memoryTypes[flavor]
}

func (b *Backend) Allocate(flavor driver.Flavor, device int, size int) (driver.Pointer, error) {
	if !flavor.IsValid() {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "unknown memory flavor %d", flavor)
	}
	if !flavor.IsHost() && device != 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "the vulkan backend drives a single device, %d requested", device)
	}

	memoryTypeIndex := b.memoryTypes[flavor]
	if memoryTypeIndex < 0 {
		return 0, errors.Wrapf(ErrUnsupported, "no memory type supports %s memory", flavor)
	}

	memory, res, err := b.device.AllocateMemory(b.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		err = errors.Wrapf(err, "vkAllocateMemory failed with %s", res)
		if res == core1_0.VKErrorOutOfDeviceMemory || res == core1_0.VKErrorOutOfHostMemory {
			err = errors.Mark(err, memutils.ErrOutOfMemory)
		}
		return 0, err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	ptr := b.nextHandle
	b.nextHandle += driver.Pointer(memutils.AlignUp(size, 256))
	b.allocations[ptr] = &deviceAllocation{
		memory:          memory,
		flavor:          flavor,
		size:            size,
		memoryTypeIndex: memoryTypeIndex,
	}

	return ptr, nil
}

func (b *Backend) take(ptr driver.Pointer) (*deviceAllocation, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	alloc, ok := b.allocations[ptr]
	if ok {
		delete(b.allocations, ptr)
	}
	return alloc, ok
}

func (b *Backend) lookup(ptr driver.Pointer) (*deviceAllocation, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	alloc, ok := b.allocations[ptr]
	return alloc, ok
}

func (b *Backend) Free(flavor driver.Flavor, device int, ptr driver.Pointer) error {
	alloc, ok := b.take(ptr)
	if !ok {
		return errors.Newf("pointer %#x was not allocated by this backend", uintptr(ptr))
	}
	if alloc.flavor != flavor {
		b.logger.LogAttrs(context.Background(), slog.LevelWarn, "block freed as the wrong flavor",
			slog.String("Expected", alloc.flavor.String()),
			slog.String("Actual", flavor.String()),
		)
	}

	alloc.memory.Free(b.allocationCallbacks)
	return nil
}

func (b *Backend) isHostVisible(alloc *deviceAllocation) bool {
	flags := b.memoryProperties.MemoryTypes[alloc.memoryTypeIndex].PropertyFlags
	return flags&core1_0.MemoryPropertyHostVisible != 0
}

func (b *Backend) isHostCoherent(alloc *deviceAllocation) bool {
	flags := b.memoryProperties.MemoryTypes[alloc.memoryTypeIndex].PropertyFlags
	return flags&core1_0.MemoryPropertyHostCoherent != 0
}

// Copy maps both blocks and copies on the host. The copy has completed by the time it returns, so
// the ordering token is not needed.
func (b *Backend) Copy(srcFlavor, dstFlavor driver.Flavor, src, dst driver.Pointer, size int, ordering driver.Token) error {
	srcAlloc, ok := b.lookup(src)
	if !ok {
		return errors.Newf("copy source %#x was not allocated by this backend", uintptr(src))
	}
	dstAlloc, ok := b.lookup(dst)
	if !ok {
		return errors.Newf("copy destination %#x was not allocated by this backend", uintptr(dst))
	}
	if size > srcAlloc.size || size > dstAlloc.size {
		return errors.Wrapf(memutils.ErrInvalidArgument, "cannot copy %d bytes from a %d byte block to a %d byte block",
			size, srcAlloc.size, dstAlloc.size)
	}
	if !b.isHostVisible(srcAlloc) || !b.isHostVisible(dstAlloc) {
		return errors.Wrapf(ErrUnsupported, "copying %s memory to %s memory requires a transfer queue", srcFlavor, dstFlavor)
	}

	srcData, res, err := srcAlloc.memory.Map(0, size, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to map copy source: %s", res)
	}
	defer srcAlloc.memory.Unmap()

	if !b.isHostCoherent(srcAlloc) {
		res, err = b.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
			{Memory: srcAlloc.memory, Offset: 0, Size: size},
		})
		if err != nil {
			return errors.Wrapf(err, "failed to invalidate copy source: %s", res)
		}
	}

	dstData, res, err := dstAlloc.memory.Map(0, size, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to map copy destination: %s", res)
	}
	defer dstAlloc.memory.Unmap()

	copy(unsafe.Slice((*byte)(dstData), size), unsafe.Slice((*byte)(srcData), size))

	if !b.isHostCoherent(dstAlloc) {
		res, err = b.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
			{Memory: dstAlloc.memory, Offset: 0, Size: size},
		})
		if err != nil {
			return errors.Wrapf(err, "failed to flush copy destination: %s", res)
		}
	}

	return nil
}

// Prefetch has nothing to do: no memory type migrates between host and device
func (b *Backend) Prefetch(ptr driver.Pointer, size int, device int) error {
	if _, ok := b.lookup(ptr); !ok {
		return errors.Newf("pointer %#x was not allocated by this backend", uintptr(ptr))
	}
	return nil
}
