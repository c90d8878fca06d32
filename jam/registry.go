package jam

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/jitalloc/driver"
)

type blockState byte

const (
	blockStateInUse blockState = iota
	blockStateDeferred
	blockStateCached
)

var blockStateMapping = make(map[blockState]string)

func (s blockState) String() string {
	return blockStateMapping[s]
}

func init() {
	blockStateMapping[blockStateInUse] = "in use"
	blockStateMapping[blockStateDeferred] = "deferred"
	blockStateMapping[blockStateCached] = "cached"
}

type registryEntry struct {
	key   AllocationKey
	state blockState
	id    ID
}

// allocationRegistry knows every block the allocator received from the backend and has not yet
// returned to it, whether the block is owned by a caller, deferred, or cached.
type allocationRegistry struct {
	entries *swiss.Map[driver.Pointer, registryEntry]
}

func (r *allocationRegistry) Init() {
	r.entries = swiss.NewMap[driver.Pointer, registryEntry](256)
}

func (r *allocationRegistry) Count() int { return r.entries.Count() }

func (r *allocationRegistry) Lookup(ptr driver.Pointer) (registryEntry, bool) {
	return r.entries.Get(ptr)
}

func (r *allocationRegistry) Register(ptr driver.Pointer, key AllocationKey) {
	r.entries.Put(ptr, registryEntry{key: key, state: blockStateInUse})
}

func (r *allocationRegistry) Update(ptr driver.Pointer, entry registryEntry) {
	r.entries.Put(ptr, entry)
}

func (r *allocationRegistry) Unregister(ptr driver.Pointer) (registryEntry, bool) {
	entry, ok := r.entries.Get(ptr)
	if !ok {
		return entry, false
	}
	r.entries.Delete(ptr)
	return entry, true
}

func (r *allocationRegistry) Visit(visit func(ptr driver.Pointer, entry registryEntry)) {
	r.entries.Iter(func(ptr driver.Pointer, entry registryEntry) bool {
		visit(ptr, entry)
		return false
	})
}
