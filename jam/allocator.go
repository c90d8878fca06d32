package jam

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/jam/internal/backend"
	"github.com/vkngwrapper/jitalloc/jam/internal/utils"
	"github.com/vkngwrapper/jitalloc/memutils"
	"golang.org/x/exp/slog"
)

// Allocator hands out blocks of every memory flavor through a single API. Freed blocks are kept
// in a cache keyed by flavor, device, and size so that later requests for the same shape can skip
// the backend entirely. Blocks of asynchronous flavors are not cached until the work that might
// still read them has completed.
type Allocator struct {
	mutex    utils.OptionalMutex
	logger   *slog.Logger
	executor driver.Executor

	deviceMemory   *backend.DeviceMemory
	createFlags    CreateFlags
	alignment      [driver.FlavorCount]uint
	maxCachedBytes int

	cache    freeBlockCache
	deferred deferredFreeQueue
	registry allocationRegistry
	handles  handleTable

	closed bool
}

// allocatorInvariants exposes the consistency checks of an Allocator whose lock is already held
type allocatorInvariants Allocator

func (a *allocatorInvariants) Validate() error {
	return (*Allocator)(a).validateLocked()
}

func (a *Allocator) debugValidateLocked() {
	memutils.DebugValidate((*allocatorInvariants)(a))
}

func (a *Allocator) usageError(reference error, format string, args ...interface{}) error {
	err := errors.Mark(errors.Wrapf(reference, format, args...), memutils.ErrUsage)
	a.logger.LogAttrs(context.Background(), slog.LevelError, "allocator usage error", slog.Any("error", err))
	return err
}

func (a *Allocator) checkOpenLocked() error {
	if a.closed {
		return errors.WithStack(memutils.ErrAllocatorClosed)
	}
	return nil
}

// roundSize applies the flavor's granularity to a requested size
func (a *Allocator) roundSize(flavor driver.Flavor, size int) (int, error) {
	alignment := a.alignment[flavor]
	memutils.DebugCheckPow2(alignment, "alignment")

	rounded := memutils.AlignUp(size, alignment)
	if rounded < size {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "size %d overflows when aligned to %d", size, alignment)
	}
	return rounded, nil
}

func (a *Allocator) buildKey(flavor driver.Flavor, device int, size int) (AllocationKey, error) {
	if !flavor.IsValid() {
		return AllocationKey{}, errors.Wrapf(memutils.ErrInvalidArgument, "unknown memory flavor %d", flavor)
	}
	if size <= 0 {
		return AllocationKey{}, errors.Wrapf(memutils.ErrInvalidArgument, "allocation size must be positive, got %d", size)
	}
	if !flavor.IsHost() && device < 0 {
		return AllocationKey{}, errors.Wrapf(memutils.ErrInvalidArgument, "%s memory requires a device ordinal, got %d", flavor, device)
	}

	rounded, err := a.roundSize(flavor, size)
	if err != nil {
		return AllocationKey{}, err
	}

	return NewAllocationKey(flavor, device, rounded), nil
}

// Allocate returns a block of at least size bytes of the requested flavor. Device is ignored for
// host flavors. A previously freed block of the same flavor, device, and rounded size is reused
// when one is available; otherwise the backend is asked for a new block. If the backend reports
// that it is out of memory, all cached memory is released and the request is retried once before
// an error marked with memutils.ErrOutOfMemory is returned. Any other backend error is returned
// as is and leaves the cache untouched.
func (a *Allocator) Allocate(flavor driver.Flavor, device int, size int) (driver.Pointer, error) {
	a.logger.Debug("Allocator::Allocate",
		slog.String("Flavor", flavor.String()),
		slog.Int("Device", device),
		slog.Int("Size", size),
	)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return 0, err
	}

	key, err := a.buildKey(flavor, device, size)
	if err != nil {
		return 0, err
	}

	ptr, err := a.allocateLocked(key)
	if err != nil {
		return 0, err
	}

	a.debugValidateLocked()
	return ptr, nil
}

func (a *Allocator) allocateLocked(key AllocationKey) (driver.Pointer, error) {
	ptr, ok := a.cache.Pop(key)
	if ok {
		entry, registered := a.registry.Lookup(ptr)
		if !registered || entry.state != blockStateCached {
			return 0, errors.AssertionFailedf("cached pointer %#x for %s is in state %s", uintptr(ptr), key, entry.state)
		}

		// The block has a new owner, who must not be reachable through the old one's identifier
		if entry.id != NoID {
			a.handles.Release(entry.id)
			entry.id = NoID
		}
		entry.state = blockStateInUse
		a.registry.Update(ptr, entry)
		a.deviceMemory.AddAllocation(key.Flavor, key.Size)

		a.logger.Debug("  Reused cached block", slog.String("Key", key.String()))
		return ptr, nil
	}

	ptr, err := a.deviceMemory.Allocate(key.Flavor, key.Device, key.Size)
	if err != nil {
		if !errors.Is(err, memutils.ErrOutOfMemory) {
			return 0, errors.Wrapf(err, "failed to allocate %s", key)
		}

		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "backend allocation failed, releasing cached memory and retrying",
			slog.String("Key", key.String()),
			slog.Any("error", err),
		)

		_, trimErr := a.trimLocked(false)
		if trimErr != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release cached memory", slog.Any("error", trimErr))
		}

		ptr, err = a.deviceMemory.Allocate(key.Flavor, key.Device, key.Size)
		if err != nil {
			return 0, errors.Mark(errors.Wrapf(err, "failed to allocate %s", key), memutils.ErrOutOfMemory)
		}
	}

	if _, exists := a.registry.Lookup(ptr); exists {
		return 0, errors.AssertionFailedf("backend returned pointer %#x for %s, which is still registered", uintptr(ptr), key)
	}

	a.registry.Register(ptr, key)
	a.deviceMemory.AddAllocation(key.Flavor, key.Size)

	a.logger.Debug("  Allocated new block", slog.String("Key", key.String()), slog.String("Pointer", fmt.Sprintf("%#x", uintptr(ptr))))
	return ptr, nil
}

// Free gives a block back to the allocator. Host blocks are cached immediately. Blocks of every
// other flavor are held back until the asynchronous work that was queued at the time of the free
// has completed, after which Flush moves them into the cache.
func (a *Allocator) Free(ptr driver.Pointer) error {
	a.logger.Debug("Allocator::Free", slog.String("Pointer", fmt.Sprintf("%#x", uintptr(ptr))))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return err
	}

	entry, err := a.ownedEntryLocked(ptr, "Free")
	if err != nil {
		return err
	}

	a.deviceMemory.RemoveAllocation(entry.key.Flavor, entry.key.Size)

	if entry.key.Flavor.IsAsync() {
		a.deferLocked(ptr, entry, a.executor.CurrentToken())
	} else {
		err = a.cacheLocked(ptr, entry)
	}

	a.debugValidateLocked()
	return err
}

// ownedEntryLocked returns the registry entry of a pointer that is currently owned by a caller
func (a *Allocator) ownedEntryLocked(ptr driver.Pointer, operation string) (registryEntry, error) {
	entry, ok := a.registry.Lookup(ptr)
	if !ok {
		return entry, a.usageError(memutils.ErrUnknownPointer, "%s called with pointer %#x", operation, uintptr(ptr))
	}
	if entry.state != blockStateInUse {
		return entry, a.usageError(memutils.ErrDoubleFree, "%s called with pointer %#x (%s), which is %s",
			operation, uintptr(ptr), entry.key, entry.state)
	}
	return entry, nil
}

func (a *Allocator) deferLocked(ptr driver.Pointer, entry registryEntry, token driver.Token) {
	entry.state = blockStateDeferred
	a.registry.Update(ptr, entry)
	a.deferred.Push(ptr, entry.key, token)
}

// cacheLocked places a block that is safe to reuse into the cache, or releases it to the backend
// if caching is disabled or the cache is full
func (a *Allocator) cacheLocked(ptr driver.Pointer, entry registryEntry) error {
	if a.createFlags&AllocatorCreateNoCache != 0 ||
		(a.maxCachedBytes > 0 && a.cache.Bytes()+entry.key.Size > a.maxCachedBytes) {
		return a.releaseLocked(ptr, entry)
	}

	entry.state = blockStateCached
	a.registry.Update(ptr, entry)
	a.cache.Push(entry.key, ptr)
	return nil
}

// releaseLocked returns a block to the backend. The block must already be absent from the cache
// and the deferred queue.
func (a *Allocator) releaseLocked(ptr driver.Pointer, entry registryEntry) error {
	a.registry.Unregister(ptr)
	if entry.id != NoID {
		a.handles.Release(entry.id)
	}

	err := a.deviceMemory.Free(entry.key.Flavor, entry.key.Device, ptr, entry.key.Size)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release block to the backend",
			slog.String("Key", entry.key.String()),
			slog.Any("error", err),
		)
	}
	return err
}

// Flush moves every deferred block whose asynchronous work has completed into the cache. It never
// blocks on the executor. The number of blocks that left the deferred queue is returned.
func (a *Allocator) Flush() (int, error) {
	a.logger.Debug("Allocator::Flush")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return 0, err
	}

	moved, err := a.flushLocked()
	a.debugValidateLocked()
	return moved, err
}

func (a *Allocator) flushLocked() (int, error) {
	var flushErr error

	moved := a.deferred.Reap(a.executor.IsComplete, func(deferredEntry deferredFree) {
		entry, ok := a.registry.Lookup(deferredEntry.ptr)
		if !ok || entry.state != blockStateDeferred {
			flushErr = errors.CombineErrors(flushErr, errors.AssertionFailedf(
				"deferred pointer %#x for %s is in state %s", uintptr(deferredEntry.ptr), deferredEntry.key, entry.state))
			return
		}

		flushErr = errors.CombineErrors(flushErr, a.cacheLocked(deferredEntry.ptr, entry))
	})

	return moved, flushErr
}

// waitLocked blocks until the work behind every pending deferred free has completed
func (a *Allocator) waitLocked() error {
	var waitErr error
	for _, token := range a.deferred.Tokens() {
		if a.executor.IsComplete(token) {
			continue
		}

		err := a.executor.Wait(token)
		if err != nil {
			waitErr = errors.CombineErrors(waitErr, errors.Wrapf(err, "failed to wait for token %d", token))
		}
	}
	return waitErr
}

// PointerToID returns an identifier that will keep resolving to the block, even after it is
// migrated, until the block is released to the backend or handed to a new owner. Repeated calls
// return the same identifier.
func (a *Allocator) PointerToID(ptr driver.Pointer) (ID, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return NoID, err
	}

	entry, ok := a.registry.Lookup(ptr)
	if !ok {
		return NoID, a.usageError(memutils.ErrUnknownPointer, "PointerToID called with pointer %#x", uintptr(ptr))
	}
	if entry.state == blockStateCached {
		return NoID, a.usageError(memutils.ErrDoubleFree, "PointerToID called with pointer %#x (%s), which is %s",
			uintptr(ptr), entry.key, entry.state)
	}

	if entry.id == NoID {
		entry.id = a.handles.Mint(ptr)
		a.registry.Update(ptr, entry)

		a.logger.Debug("Allocator::PointerToID", slog.String("ID", entry.id.String()), slog.String("Key", entry.key.String()))
	}

	a.debugValidateLocked()
	return entry.id, nil
}

// IDToPointer resolves an identifier returned by PointerToID. An identifier keeps resolving while
// its block is in use, deferred, or cached, and follows the block through migrations. It stops
// resolving once the block is released to the backend, and also once a cached block is handed to
// a new owner by Allocate, so a stale identifier can never reach someone else's memory.
func (a *Allocator) IDToPointer(id ID) (driver.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return 0, err
	}

	ptr, ok := a.handles.Resolve(id)
	if !ok {
		return 0, a.usageError(memutils.ErrInvalidIdentifier, "identifier %s does not refer to a live allocation", id)
	}

	return ptr, nil
}

// Validate checks the internal consistency of the allocator's bookkeeping
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validateLocked()
}

func (a *Allocator) validateLocked() error {
	var err error
	var inUse, deferred, cached, identified int

	a.registry.Visit(func(ptr driver.Pointer, entry registryEntry) {
		if err != nil {
			return
		}

		switch entry.state {
		case blockStateInUse:
			inUse++
		case blockStateDeferred:
			deferred++
		case blockStateCached:
			cached++
		default:
			err = errors.AssertionFailedf("pointer %#x is in unknown state %d", uintptr(ptr), entry.state)
			return
		}

		if entry.id != NoID {
			identified++
			resolved, ok := a.handles.Resolve(entry.id)
			if !ok || resolved != ptr {
				err = errors.AssertionFailedf("identifier %s of pointer %#x resolves to %#x", entry.id, uintptr(ptr), uintptr(resolved))
			}
		}
	})
	if err != nil {
		return err
	}

	if cached != a.cache.Count() {
		return errors.AssertionFailedf("registry has %d cached blocks but the cache holds %d", cached, a.cache.Count())
	}
	if deferred != a.deferred.Len() {
		return errors.AssertionFailedf("registry has %d deferred blocks but the deferred queue holds %d", deferred, a.deferred.Len())
	}
	if identified != a.handles.Count() {
		return errors.AssertionFailedf("registry has %d identified blocks but %d identifiers are live", identified, a.handles.Count())
	}

	a.cache.Visit(func(key AllocationKey, ptr driver.Pointer) {
		if err != nil {
			return
		}
		entry, ok := a.registry.Lookup(ptr)
		if !ok || entry.state != blockStateCached || entry.key != key {
			err = errors.AssertionFailedf("cached pointer %#x under %s does not match its registry entry", uintptr(ptr), key)
		}
	})
	if err != nil {
		return err
	}

	a.deferred.Visit(func(deferredEntry deferredFree) {
		if err != nil {
			return
		}
		entry, ok := a.registry.Lookup(deferredEntry.ptr)
		if !ok || entry.state != blockStateDeferred || entry.key != deferredEntry.key {
			err = errors.AssertionFailedf("deferred pointer %#x under %s does not match its registry entry",
				uintptr(deferredEntry.ptr), deferredEntry.key)
		}
	})
	if err != nil {
		return err
	}

	var budget backend.Budget
	var blocks, allocations int
	for _, flavor := range driver.Flavors() {
		a.deviceMemory.FlavorBudget(flavor, &budget)
		blocks += budget.Statistics.BlockCount
		allocations += budget.Statistics.AllocationCount
	}
	if blocks != a.registry.Count() {
		return errors.AssertionFailedf("registry has %d blocks but %d are allocated from the backend", a.registry.Count(), blocks)
	}
	if allocations != inUse {
		return errors.AssertionFailedf("registry has %d blocks in use but %d allocations are accounted for", inUse, allocations)
	}

	return nil
}
