package jam

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/memutils"
	"golang.org/x/exp/slog"
)

// Migrate moves a block to another flavor on the block's current device (device 0 when the block
// is host memory) and returns the new pointer. See MigrateDevice.
func (a *Allocator) Migrate(ptr driver.Pointer, target driver.Flavor) (driver.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return 0, err
	}

	entry, err := a.ownedEntryLocked(ptr, "Migrate")
	if err != nil {
		return 0, err
	}

	return a.migrateLocked(ptr, entry, target, entry.key.Device)
}

// MigrateDevice moves a block to the requested flavor and device. If the block already lives
// there, the same pointer is returned and nothing is copied. Otherwise a new block is allocated,
// the contents are copied asynchronously, and the source block is freed once the copy has
// completed. An identifier obtained from PointerToID before the migration resolves to the new
// pointer afterward.
//
// If the copy cannot be issued, the source block remains owned by the caller and the error is
// returned.
func (a *Allocator) MigrateDevice(ptr driver.Pointer, target driver.Flavor, device int) (driver.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return 0, err
	}

	entry, err := a.ownedEntryLocked(ptr, "MigrateDevice")
	if err != nil {
		return 0, err
	}

	return a.migrateLocked(ptr, entry, target, device)
}

func (a *Allocator) migrateLocked(src driver.Pointer, srcEntry registryEntry, target driver.Flavor, device int) (driver.Pointer, error) {
	srcKey := srcEntry.key

	dstKey, err := a.buildKey(target, device, srcKey.Size)
	if err != nil {
		return 0, err
	}

	a.logger.Debug("Allocator::Migrate",
		slog.String("Pointer", fmt.Sprintf("%#x", uintptr(src))),
		slog.String("From", srcKey.String()),
		slog.String("To", dstKey.String()),
	)

	if dstKey == srcKey {
		return src, nil
	}

	dst, err := a.allocateLocked(dstKey)
	if err != nil {
		return 0, err
	}

	err = a.deviceMemory.Copy(srcKey.Flavor, dstKey.Flavor, src, dst, srcKey.Size, a.executor.CurrentToken())
	if err != nil {
		dstEntry, _ := a.registry.Lookup(dst)
		a.deviceMemory.RemoveAllocation(dstKey.Flavor, dstKey.Size)
		a.deferLocked(dst, dstEntry, a.executor.CurrentToken())
		a.debugValidateLocked()
		return 0, err
	}

	// The copy reads the source asynchronously, so the source can only be reused once the token
	// covering the copy has completed, regardless of its flavor
	copyToken := a.executor.CurrentToken()

	if srcEntry.id != NoID {
		if !a.handles.Retarget(srcEntry.id, dst) {
			return 0, errors.AssertionFailedf("identifier %s of pointer %#x is not live", srcEntry.id, uintptr(src))
		}

		dstEntry, _ := a.registry.Lookup(dst)
		dstEntry.id = srcEntry.id
		a.registry.Update(dst, dstEntry)
		srcEntry.id = NoID
	}

	a.deviceMemory.RemoveAllocation(srcKey.Flavor, srcKey.Size)
	a.deferLocked(src, srcEntry, copyToken)

	a.debugValidateLocked()
	return dst, nil
}

// Prefetch asks the backend to move the pages of a managed block to a device, or to the host when
// device is driver.HostDevice. Blocks of other flavors are ignored. Prefetching is advisory:
// a backend failure is logged and not returned.
func (a *Allocator) Prefetch(ptr driver.Pointer, device int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.checkOpenLocked(); err != nil {
		return err
	}

	entry, err := a.ownedEntryLocked(ptr, "Prefetch")
	if err != nil {
		return err
	}

	if !entry.key.Flavor.IsManaged() {
		return nil
	}
	if device < driver.HostDevice {
		return errors.Wrapf(memutils.ErrInvalidArgument, "cannot prefetch to device %d", device)
	}

	a.logger.Debug("Allocator::Prefetch", slog.String("Key", entry.key.String()), slog.Int("Target", device))

	err = a.deviceMemory.Prefetch(ptr, entry.key.Size, device)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "prefetch failed",
			slog.String("Key", entry.key.String()),
			slog.Int("Target", device),
			slog.Any("error", err),
		)
	}

	return nil
}
