package jam

import (
	"fmt"

	"github.com/dolthub/maphash"
	"github.com/vkngwrapper/jitalloc/driver"
)

// AllocationKey identifies a class of interchangeable blocks: any block with the same flavor,
// device, and size can satisfy a request for any other. Keys are compared by value.
type AllocationKey struct {
	Flavor driver.Flavor
	Device int
	Size   int
}

var keyHasher = maphash.NewHasher[AllocationKey]()

// NewAllocationKey builds a key for the provided request. Host flavors are not associated with a
// device, so their device ordinal is always normalized to zero.
func NewAllocationKey(flavor driver.Flavor, device int, size int) AllocationKey {
	if flavor.IsHost() {
		device = 0
	}

	return AllocationKey{
		Flavor: flavor,
		Device: device,
		Size:   size,
	}
}

// Hash returns a combined hash over the flavor, device, and size of the key. The allocator's
// own maps hash keys themselves; Hash is exposed for callers that bucket keys and for diagnostics.
func (k AllocationKey) Hash() uint64 {
	return keyHasher.Hash(k)
}

func (k AllocationKey) String() string {
	if k.Flavor.IsHost() {
		return fmt.Sprintf("%s[%d bytes]", k.Flavor, k.Size)
	}
	return fmt.Sprintf("%s:%d[%d bytes]", k.Flavor, k.Device, k.Size)
}
