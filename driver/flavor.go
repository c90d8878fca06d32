package driver

// Flavor identifies the residency and release semantics of a block of memory. The set of
// flavors is closed: every allocator decision (which backend primitive to call, whether a
// free must be deferred, whether prefetch is meaningful) switches on it.
type Flavor uint32

const (
	// FlavorHost is ordinary pageable host memory. It is never touched by asynchronous device
	// work, so freeing it makes it reusable immediately.
	FlavorHost Flavor = iota
	// FlavorHostAsync is host memory used by asynchronous host-side kernels. It may only be
	// reused once the work queued against it has completed.
	FlavorHostAsync
	// FlavorHostPinned is page-locked host memory that the device can access directly, usually
	// as the source or destination of asynchronous transfers.
	FlavorHostPinned
	// FlavorDevice is memory resident on a specific device.
	FlavorDevice
	// FlavorManaged is unified memory visible to both the host and the devices. Its pages
	// migrate on demand and can be prefetched.
	FlavorManaged
	// FlavorManagedReadMostly is unified memory with a read-mostly hint, allowing read-only
	// copies of pages to be duplicated across devices.
	FlavorManagedReadMostly

	// FlavorCount is the number of valid flavors
	FlavorCount int = iota
)

// HostDevice is the device ordinal that designates host memory when prefetching managed
// allocations.
const HostDevice int = -1

var flavorNames = make(map[Flavor]string)

func init() {
	flavorNames[FlavorHost] = "host"
	flavorNames[FlavorHostAsync] = "host-async"
	flavorNames[FlavorHostPinned] = "host-pinned"
	flavorNames[FlavorDevice] = "device"
	flavorNames[FlavorManaged] = "managed"
	flavorNames[FlavorManagedReadMostly] = "managed-read-mostly"
}

// String returns the descriptive name of the flavor, for diagnostics and error messages
func (f Flavor) String() string {
	name, ok := flavorNames[f]
	if !ok {
		return "unknown"
	}
	return name
}

// IsValid returns true if the flavor is one of the known flavors
func (f Flavor) IsValid() bool {
	return int(f) < FlavorCount
}

// IsHost returns true for flavors that live in host memory and are not associated with a
// device ordinal
func (f Flavor) IsHost() bool {
	return f == FlavorHost || f == FlavorHostAsync || f == FlavorHostPinned
}

// IsAsync returns true for flavors whose memory may be read or written by outstanding
// asynchronous work, meaning a released block cannot be reused until that work has completed
func (f Flavor) IsAsync() bool {
	return f.IsValid() && f != FlavorHost
}

// IsManaged returns true for unified memory flavors, for which prefetching is meaningful
func (f Flavor) IsManaged() bool {
	return f == FlavorManaged || f == FlavorManagedReadMostly
}

// Flavors returns every valid flavor in declaration order
func Flavors() []Flavor {
	flavors := make([]Flavor, 0, FlavorCount)
	for i := 0; i < FlavorCount; i++ {
		flavors = append(flavors, Flavor(i))
	}
	return flavors
}
