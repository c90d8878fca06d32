package jam

import (
	"context"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/jam/internal/backend"
	"github.com/vkngwrapper/jitalloc/memutils"
	"golang.org/x/exp/slog"
)

// Leak describes a block that was still owned by a caller, or still waiting on asynchronous work,
// when the allocator was shut down
type Leak struct {
	Key     AllocationKey
	Pointer driver.Pointer
	ID      ID
}

// Trim waits for all pending asynchronous work behind deferred frees, then returns every cached
// block to the backend. Identifiers of released blocks stop resolving. The number of blocks and
// bytes returned to the backend is reported in BlockCount and BlockBytes.
//
// If warn is true and there was memory to reclaim but none could be released, a warning is logged.
func (a *Allocator) Trim(warn bool) (memutils.Statistics, error) {
	a.logger.Debug("Allocator::Trim")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return memutils.Statistics{}, err
	}

	released, err := a.trimLocked(warn)
	a.debugValidateLocked()
	return released, err
}

func (a *Allocator) trimLocked(warn bool) (memutils.Statistics, error) {
	expected := !a.cache.IsEmpty() || a.deferred.Len() > 0
	pendingDeferred := a.deferred.Len()

	var before [driver.FlavorCount]backend.Budget
	for _, flavor := range driver.Flavors() {
		a.deviceMemory.FlavorBudget(flavor, &before[flavor])
	}

	err := a.waitLocked()
	_, flushErr := a.flushLocked()
	err = errors.CombineErrors(err, flushErr)

	a.cache.Drain(func(key AllocationKey, ptr driver.Pointer) {
		entry, ok := a.registry.Lookup(ptr)
		if !ok {
			err = errors.CombineErrors(err, errors.AssertionFailedf("cached pointer %#x for %s is not registered", uintptr(ptr), key))
			return
		}
		err = errors.CombineErrors(err, a.releaseLocked(ptr, entry))
	})

	// Blocks can also be released during the flush when caching is limited, so the totals come
	// from the accounting layer rather than from the cache
	var released memutils.Statistics
	var after backend.Budget
	for _, flavor := range driver.Flavors() {
		a.deviceMemory.FlavorBudget(flavor, &after)

		blocks := before[flavor].Statistics.BlockCount - after.Statistics.BlockCount
		bytes := before[flavor].Statistics.BlockBytes - after.Statistics.BlockBytes
		if blocks == 0 {
			continue
		}

		released.BlockCount += blocks
		released.BlockBytes += bytes

		a.logger.Debug("  Released cached memory",
			slog.String("Flavor", flavor.String()),
			slog.Int("Blocks", blocks),
			slog.Int("Bytes", bytes),
		)
	}

	if warn && expected && released.BlockCount == 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "trim released no memory",
			slog.Int("PendingDeferred", pendingDeferred),
			slog.Int("Remaining", a.deferred.Len()),
		)
	}

	return released, err
}

// Shutdown trims the allocator and reports every block that is still registered afterward. Leaked
// blocks are not returned to the backend. Once Shutdown returns, every method of the allocator
// fails with memutils.ErrAllocatorClosed.
func (a *Allocator) Shutdown() ([]Leak, error) {
	a.logger.Debug("Allocator::Shutdown")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return nil, err
	}

	_, err := a.trimLocked(true)

	leaks := make([]Leak, 0, a.registry.Count())
	a.registry.Visit(func(ptr driver.Pointer, entry registryEntry) {
		leaks = append(leaks, Leak{Key: entry.key, Pointer: ptr, ID: entry.id})
	})

	sort.Slice(leaks, func(i, j int) bool {
		left, right := leaks[i], leaks[j]
		if left.Key.Flavor != right.Key.Flavor {
			return left.Key.Flavor < right.Key.Flavor
		}
		if left.Key.Device != right.Key.Device {
			return left.Key.Device < right.Key.Device
		}
		return left.Pointer < right.Pointer
	})

	for _, leak := range leaks {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.String("flavor", leak.Key.Flavor.String()),
			slog.Int("device", leak.Key.Device),
			slog.Int("size", leak.Key.Size),
			slog.String("pointer", fmt.Sprintf("%#x", uintptr(leak.Pointer))),
			slog.String("id", leak.ID.String()),
		)
	}

	if len(leaks) > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] allocator shut down with live allocations",
			slog.Int("count", len(leaks)))
	}

	a.closed = true
	return leaks, err
}
