package jam

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/jam/internal/backend"
	"github.com/vkngwrapper/jitalloc/jam/internal/utils"
	"github.com/vkngwrapper/jitalloc/memutils"
	"golang.org/x/exp/slog"
)

const (
	// defaultHostAlignment is the size granularity of host flavors when none is provided
	// via CreateOptions
	defaultHostAlignment uint = 64
	// defaultDeviceAlignment is the size granularity of device and managed flavors when none
	// is provided via CreateOptions
	defaultDeviceAlignment uint = 128
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// FlavorLimits can be left empty. If it is provided, each entry is the maximum number of
	// bytes that may be allocated from the backend for that flavor, or 0 for no limit. Limits
	// are enforced at runtime: an allocation that would exceed one fails the same way an
	// exhausted backend does, including the release of cached memory and the retry.
	FlavorLimits map[driver.Flavor]int

	// Alignment can be left empty. If it is provided, each entry overrides the size granularity
	// of a flavor and must be a power of two. Requested sizes are rounded up to the granularity
	// before they are matched against cached blocks, which greatly improves reuse.
	Alignment map[driver.Flavor]uint

	// MaxCachedBytes is the maximum number of bytes that will be kept in the free-block cache
	// across all flavors. Blocks released while the cache is full are returned to the backend
	// instead. 0 means no limit.
	MaxCachedBytes int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when memory is
	// allocated from or returned to the backend. Allocations and frees performed through the
	// allocator do not map 1:1 with backend calls, so these will not be called for every
	// allocation.
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator
//
// logger - The logger that diagnostics will be written to
//
// memoryBackend - The backend that performs raw allocations, frees, copies and prefetches
//
// executor - The source of readiness tokens for asynchronous work
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, memoryBackend driver.Backend, executor driver.Executor, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "an executor must be provided")
	}
	if options.MaxCachedBytes < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "MaxCachedBytes is negative (%d)", options.MaxCachedBytes)
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		mutex:          utils.OptionalMutex{UseMutex: useMutex},
		logger:         logger,
		executor:       executor,
		createFlags:    options.Flags,
		maxCachedBytes: options.MaxCachedBytes,
	}

	for _, flavor := range driver.Flavors() {
		if flavor.IsHost() {
			allocator.alignment[flavor] = defaultHostAlignment
		} else {
			allocator.alignment[flavor] = defaultDeviceAlignment
		}
	}

	for flavor, alignment := range options.Alignment {
		if !flavor.IsValid() {
			return nil, errors.Wrapf(memutils.ErrInvalidArgument, "Alignment contains unknown flavor %d", flavor)
		}
		err := memutils.CheckPow2(alignment, "Alignment for "+flavor.String())
		if err != nil {
			return nil, errors.Mark(err, memutils.ErrInvalidArgument)
		}
		allocator.alignment[flavor] = alignment
	}

	var err error
	allocator.deviceMemory, err = backend.NewDeviceMemory(
		memoryBackend,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		options.FlavorLimits,
	)
	if err != nil {
		return nil, err
	}

	allocator.cache.Init()
	allocator.registry.Init()

	logger.Debug("Allocator::New", slog.String("Flags", options.Flags.String()), slog.Int("MaxCachedBytes", options.MaxCachedBytes))

	return allocator, nil
}
