package jam

import "github.com/vkngwrapper/jitalloc/driver"

// AllocateBackendMemoryCallback is called whenever the allocator receives a new block from the
// backend. It is called while the allocator is locked and must not call back into it.
type AllocateBackendMemoryCallback func(
	allocator *Allocator,
	flavor driver.Flavor,
	device int,
	ptr driver.Pointer,
	size int,
	userData interface{},
)

// FreeBackendMemoryCallback is called whenever the allocator returns a block to the backend. It
// is called while the allocator is locked and must not call back into it.
type FreeBackendMemoryCallback func(
	allocator *Allocator,
	flavor driver.Flavor,
	device int,
	ptr driver.Pointer,
	size int,
	userData interface{},
)

type MemoryCallbackOptions struct {
	Allocate AllocateBackendMemoryCallback
	Free     FreeBackendMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(
	flavor driver.Flavor,
	device int,
	ptr driver.Pointer,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, flavor, device, ptr, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	flavor driver.Flavor,
	device int,
	ptr driver.Pointer,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, flavor, device, ptr, size, c.Callbacks.UserData)
	}
}
