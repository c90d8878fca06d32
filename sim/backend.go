// Package sim provides in-memory implementations of the driver collaborators. They are used to
// exercise the allocator without a GPU, and to check that block contents survive migration.
package sim

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/memutils"
)

// ErrOutOfMemory is returned by Backend.Allocate when a flavor limit is reached or when failure
// has been injected. It is marked with memutils.ErrOutOfMemory.
var ErrOutOfMemory = errors.Mark(errors.New("simulated backend is out of memory"), memutils.ErrOutOfMemory)

const (
	anyFlavor = driver.Flavor(driver.FlavorCount)

	baseAddress   driver.Pointer = 0x10000
	addressStride uint           = 256
)

type block struct {
	flavor driver.Flavor
	device int
	data   []byte
}

// Counters reports how many times each backend entry point was called
type Counters struct {
	Allocations int
	Frees       int
	Copies      int
	Prefetches  int
}

// PrefetchRecord is a prefetch request received by the Backend
type PrefetchRecord struct {
	Pointer driver.Pointer
	Size    int
	Device  int
}

// Backend is an in-memory driver.Backend. Each block is backed by a byte slice and handed out at
// a synthetic address that is never reused. Copies are performed immediately; if an Executor is
// attached, each copy is also submitted to it as a unit of work so that callers observe a pending
// token, as they would with a real device.
type Backend struct {
	mutex    sync.Mutex
	executor *Executor

	blocks      map[driver.Pointer]*block
	nextAddress driver.Pointer
	limits      [driver.FlavorCount]int
	usage       [driver.FlavorCount]int

	failAllocations int
	failCopies      int
	prefetchErr     error

	counters   Counters
	prefetches []PrefetchRecord
}

var _ driver.Backend = &Backend{}

// NewBackend creates an empty Backend. executor may be nil.
func NewBackend(executor *Executor) *Backend {
	return &Backend{
		executor:    executor,
		blocks:      make(map[driver.Pointer]*block),
		nextAddress: baseAddress,
	}
}

// SetLimit caps the number of bytes of a flavor that may be allocated at once. 0 removes the cap.
func (b *Backend) SetLimit(flavor driver.Flavor, limit int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.limits[flavor] = limit
}

// FailAllocations causes the next count calls to Allocate to fail
func (b *Backend) FailAllocations(count int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.failAllocations = count
}

// FailCopies causes the next count calls to Copy to fail
func (b *Backend) FailCopies(count int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.failCopies = count
}

// FailPrefetches causes every later call to Prefetch to return err. Passing nil restores normal
// behavior.
func (b *Backend) FailPrefetches(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.prefetchErr = err
}

func (b *Backend) Counters() Counters {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.counters
}

func (b *Backend) Prefetches() []PrefetchRecord {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return append([]PrefetchRecord(nil), b.prefetches...)
}

// LiveBlocks returns the number of blocks that have been allocated and not freed
func (b *Backend) LiveBlocks() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.blocks)
}

// Usage returns the number of bytes of a flavor that are currently allocated
func (b *Backend) Usage(flavor driver.Flavor) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.usage[flavor]
}

func (b *Backend) Allocate(flavor driver.Flavor, device int, size int) (driver.Pointer, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.counters.Allocations++

	if !flavor.IsValid() {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "unknown memory flavor %d", flavor)
	}
	if size <= 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "cannot allocate %d bytes", size)
	}

	if b.failAllocations > 0 {
		b.failAllocations--
		return 0, errors.Wrapf(ErrOutOfMemory, "injected failure allocating %d bytes of %s memory", size, flavor)
	}

	limit := b.limits[flavor]
	if limit > 0 && b.usage[flavor]+size > limit {
		return 0, errors.Wrapf(ErrOutOfMemory, "%d bytes of %s memory requested with %d of %d in use",
			size, flavor, b.usage[flavor], limit)
	}

	ptr := b.nextAddress
	b.nextAddress += driver.Pointer(memutils.AlignUp(size, addressStride)) + driver.Pointer(addressStride)

	b.blocks[ptr] = &block{
		flavor: flavor,
		device: device,
		data:   make([]byte, size),
	}
	b.usage[flavor] += size

	return ptr, nil
}

func (b *Backend) Free(flavor driver.Flavor, device int, ptr driver.Pointer) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.counters.Frees++

	blk, ok := b.blocks[ptr]
	if !ok {
		return errors.Newf("pointer %#x was not allocated by this backend", uintptr(ptr))
	}
	if blk.flavor != flavor || (!flavor.IsHost() && blk.device != device) {
		return errors.Newf("pointer %#x is %s memory on device %d, but was freed as %s memory on device %d",
			uintptr(ptr), blk.flavor, blk.device, flavor, device)
	}

	delete(b.blocks, ptr)
	b.usage[flavor] -= len(blk.data)
	return nil
}

func (b *Backend) Copy(srcFlavor, dstFlavor driver.Flavor, src, dst driver.Pointer, size int, ordering driver.Token) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.counters.Copies++

	if b.failCopies > 0 {
		b.failCopies--
		return errors.Newf("injected failure copying %d bytes from %#x to %#x", size, uintptr(src), uintptr(dst))
	}

	srcBlock, err := b.lookup(src, srcFlavor, size)
	if err != nil {
		return errors.Wrap(err, "invalid copy source")
	}
	dstBlock, err := b.lookup(dst, dstFlavor, size)
	if err != nil {
		return errors.Wrap(err, "invalid copy destination")
	}

	copy(dstBlock.data[:size], srcBlock.data[:size])

	if b.executor != nil {
		b.executor.Submit()
	}
	return nil
}

func (b *Backend) Prefetch(ptr driver.Pointer, size int, device int) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.counters.Prefetches++

	if b.prefetchErr != nil {
		return b.prefetchErr
	}

	blk, err := b.lookup(ptr, anyFlavor, size)
	if err != nil {
		return err
	}
	if !blk.flavor.IsManaged() {
		return errors.Newf("pointer %#x is %s memory, which cannot be prefetched", uintptr(ptr), blk.flavor)
	}

	b.prefetches = append(b.prefetches, PrefetchRecord{Pointer: ptr, Size: size, Device: device})
	return nil
}

// lookup finds a live block and checks that it holds at least size bytes
func (b *Backend) lookup(ptr driver.Pointer, flavor driver.Flavor, size int) (*block, error) {
	blk, ok := b.blocks[ptr]
	if !ok {
		return nil, errors.Newf("pointer %#x was not allocated by this backend", uintptr(ptr))
	}
	if flavor != anyFlavor && blk.flavor != flavor {
		return nil, errors.Newf("pointer %#x is %s memory, not %s", uintptr(ptr), blk.flavor, flavor)
	}
	if size > len(blk.data) {
		return nil, errors.Newf("pointer %#x holds %d bytes, %d requested", uintptr(ptr), len(blk.data), size)
	}
	return blk, nil
}

// Write stores data at the start of a block
func (b *Backend) Write(ptr driver.Pointer, data []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	blk, err := b.lookup(ptr, anyFlavor, len(data))
	if err != nil {
		return err
	}

	copy(blk.data, data)
	return nil
}

// Read returns a copy of the first size bytes of a block
func (b *Backend) Read(ptr driver.Pointer, size int) ([]byte, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	blk, err := b.lookup(ptr, anyFlavor, size)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), blk.data[:size]...), nil
}
