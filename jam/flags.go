package jam

import "github.com/vkngwrapper/core/v2/common"

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because the internal mutex
	// is not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateNoCache causes every released block to be returned to the backend as soon as
	// it is safe to do so instead of being kept for reuse. This is mostly useful for tracking down
	// use-after-free bugs in the code consuming the allocator.
	AllocatorCreateNoCache
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateNoCache.Register("AllocatorCreateNoCache")
}
