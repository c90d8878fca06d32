package jam

import (
	"io"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/jitalloc/driver"
	"github.com/vkngwrapper/jitalloc/driver/mocks"
	"github.com/vkngwrapper/jitalloc/memutils"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func readyAllocator(t *testing.T, ctrl *gomock.Controller, options CreateOptions) (*mocks.MockBackend, *mocks.MockExecutor, *Allocator) {
	backend := mocks.NewMockBackend(ctrl)
	executor := mocks.NewMockExecutor(ctrl)

	allocator, err := New(testLogger(), backend, executor, options)
	require.NoError(t, err)

	return backend, executor, allocator
}

func requireValid(t *testing.T, allocator *Allocator) {
	require.NoError(t, allocator.Validate())
}

func TestNewValidatesOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	executor := mocks.NewMockExecutor(ctrl)

	_, err := New(testLogger(), nil, executor, CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = New(testLogger(), backend, nil, CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = New(testLogger(), backend, executor, CreateOptions{MaxCachedBytes: -1})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = New(testLogger(), backend, executor, CreateOptions{
		Alignment: map[driver.Flavor]uint{driver.FlavorDevice: 96},
	})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = New(testLogger(), backend, executor, CreateOptions{
		FlavorLimits: map[driver.Flavor]int{driver.FlavorManaged: -5},
	})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	allocator, err := New(nil, backend, executor, CreateOptions{
		Flags:     AllocatorCreateExternallySynchronized,
		Alignment: map[driver.Flavor]uint{driver.FlavorHost: 16},
	})
	require.NoError(t, err)
	require.False(t, allocator.mutex.UseMutex)
	require.Equal(t, uint(16), allocator.alignment[driver.FlavorHost])
	require.Equal(t, uint(128), allocator.alignment[driver.FlavorDevice])
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "AllocatorCreateExternallySynchronized", AllocatorCreateExternallySynchronized.String())
	require.Equal(t, "AllocatorCreateNoCache", AllocatorCreateNoCache.String())
}

func TestAllocateReusesCachedBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, _, allocator := readyAllocator(t, ctrl, CreateOptions{})

	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0x1000), nil)

	ptr, err := allocator.Allocate(driver.FlavorHost, 0, 50)
	require.NoError(t, err)
	require.Equal(t, driver.Pointer(0x1000), ptr)

	require.NoError(t, allocator.Free(ptr))

	// Same rounded key, served from the cache with no second backend call
	reused, err := allocator.Allocate(driver.FlavorHost, 5, 64)
	require.NoError(t, err)
	require.Equal(t, ptr, reused)

	requireValid(t, allocator)
}

func TestAllocateInvalidArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, allocator := readyAllocator(t, ctrl, CreateOptions{})

	_, err := allocator.Allocate(driver.FlavorHost, 0, 0)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = allocator.Allocate(driver.FlavorDevice, 0, -10)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = allocator.Allocate(driver.Flavor(99), 0, 64)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = allocator.Allocate(driver.FlavorDevice, -1, 64)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = allocator.Allocate(driver.FlavorDevice, 0, math.MaxInt)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.BlockCount)
}

func TestAllocateOutOfMemoryTrimsAndRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, _, allocator := readyAllocator(t, ctrl, CreateOptions{})

	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0x1000), nil)

	cached, err := allocator.Allocate(driver.FlavorHost, 0, 64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(cached))

	gomock.InOrder(
		backend.EXPECT().Allocate(driver.FlavorDevice, 0, 1024).Return(driver.Pointer(0), errors.Mark(errors.New("out of device memory"), memutils.ErrOutOfMemory)),
		backend.EXPECT().Free(driver.FlavorHost, 0, driver.Pointer(0x1000)).Return(nil),
		backend.EXPECT().Allocate(driver.FlavorDevice, 0, 1024).Return(driver.Pointer(0x2000), nil),
	)

	ptr, err := allocator.Allocate(driver.FlavorDevice, 0, 1024)
	require.NoError(t, err)
	require.Equal(t, driver.Pointer(0x2000), ptr)

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.BlockCount)
	require.Equal(t, 0, stats.Total.CachedCount)
	requireValid(t, allocator)
}

func TestAllocateOutOfMemoryFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, _, allocator := readyAllocator(t, ctrl, CreateOptions{})

	backend.EXPECT().Allocate(driver.FlavorManaged, 2, 4096).Return(driver.Pointer(0), errors.Mark(errors.New("out of managed memory"), memutils.ErrOutOfMemory)).Times(2)

	ptr, err := allocator.Allocate(driver.FlavorManaged, 2, 4000)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, driver.Pointer(0), ptr)

	var budget Budget
	require.NoError(t, allocator.GetBudget(driver.FlavorManaged, &budget))
	require.Equal(t, 0, budget.Usage)
	require.Equal(t, 0, budget.Statistics.BlockCount)
	requireValid(t, allocator)
}

func TestAllocateNilPointerIsOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, _, allocator := readyAllocator(t, ctrl, CreateOptions{})

	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0), nil).Times(2)

	_, err := allocator.Allocate(driver.FlavorHost, 0, 64)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestAllocateBackendRejectionKeepsCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, _, allocator := readyAllocator(t, ctrl, CreateOptions{})

	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0x1000), nil)

	cached, err := allocator.Allocate(driver.FlavorHost, 0, 64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(cached))

	// The cached host block must not be released, and the request must not be retried
	backend.EXPECT().Allocate(driver.FlavorDevice, 7, 1024).
		Return(driver.Pointer(0), errors.Wrap(memutils.ErrInvalidArgument, "no device 7")).
		Times(1)

	ptr, err := allocator.Allocate(driver.FlavorDevice, 7, 1024)
	require.Error(t, err)
	require.Equal(t, driver.Pointer(0), ptr)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
	require.False(t, errors.Is(err, memutils.ErrOutOfMemory))

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.CachedCount)
	require.Equal(t, 64, stats.Total.CachedBytes)

	var budget Budget
	require.NoError(t, allocator.GetBudget(driver.FlavorDevice, &budget))
	require.Equal(t, 0, budget.Usage)

	reused, err := allocator.Allocate(driver.FlavorHost, 0, 64)
	require.NoError(t, err)
	require.Equal(t, cached, reused)
	requireValid(t, allocator)
}

func TestFreeUsageErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, executor, allocator := readyAllocator(t, ctrl, CreateOptions{})

	err := allocator.Free(0xdead)
	require.True(t, errors.Is(err, memutils.ErrUsage))
	require.True(t, errors.Is(err, memutils.ErrUnknownPointer))

	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0x1000), nil)
	backend.EXPECT().Allocate(driver.FlavorDevice, 0, 128).Return(driver.Pointer(0x2000), nil)
	executor.EXPECT().CurrentToken().Return(driver.Token(4))

	host, err := allocator.Allocate(driver.FlavorHost, 0, 64)
	require.NoError(t, err)
	device, err := allocator.Allocate(driver.FlavorDevice, 0, 128)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(host))
	err = allocator.Free(host)
	require.True(t, errors.Is(err, memutils.ErrUsage))
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))

	require.NoError(t, allocator.Free(device))
	err = allocator.Free(device)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))

	requireValid(t, allocator)
}

func TestFreeAsyncFlavorIsDeferred(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, executor, allocator := readyAllocator(t, ctrl, CreateOptions{})

	backend.EXPECT().Allocate(driver.FlavorHostAsync, 0, 64).Return(driver.Pointer(0x1000), nil)
	backend.EXPECT().Allocate(driver.FlavorHostAsync, 0, 64).Return(driver.Pointer(0x2000), nil)
	executor.EXPECT().CurrentToken().Return(driver.Token(7))

	ptr, err := allocator.Allocate(driver.FlavorHostAsync, 0, 64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))

	second, err := allocator.Allocate(driver.FlavorHostAsync, 0, 64)
	require.NoError(t, err)
	require.Equal(t, driver.Pointer(0x2000), second)

	executor.EXPECT().IsComplete(driver.Token(7)).Return(false)
	moved, err := allocator.Flush()
	require.NoError(t, err)
	require.Equal(t, 0, moved)

	executor.EXPECT().IsComplete(driver.Token(7)).Return(true)
	moved, err = allocator.Flush()
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	third, err := allocator.Allocate(driver.FlavorHostAsync, 0, 64)
	require.NoError(t, err)
	require.Equal(t, ptr, third)

	requireValid(t, allocator)
}

func TestNoCacheReleasesToBackend(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, executor, allocator := readyAllocator(t, ctrl, CreateOptions{Flags: AllocatorCreateNoCache})

	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0x1000), nil)
	backend.EXPECT().Free(driver.FlavorHost, 0, driver.Pointer(0x1000)).Return(nil)

	ptr, err := allocator.Allocate(driver.FlavorHost, 0, 64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))

	backend.EXPECT().Allocate(driver.FlavorDevice, 1, 256).Return(driver.Pointer(0x2000), nil)
	executor.EXPECT().CurrentToken().Return(driver.Token(2))

	ptr, err = allocator.Allocate(driver.FlavorDevice, 1, 256)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))

	executor.EXPECT().IsComplete(driver.Token(2)).Return(true)
	backend.EXPECT().Free(driver.FlavorDevice, 1, driver.Pointer(0x2000)).Return(nil)

	moved, err := allocator.Flush()
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.BlockCount)
	requireValid(t, allocator)
}

func TestMaxCachedBytes(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, _, allocator := readyAllocator(t, ctrl, CreateOptions{MaxCachedBytes: 128})

	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0x1000), nil)
	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0x2000), nil)
	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0x3000), nil)

	var ptrs []driver.Pointer
	for i := 0; i < 3; i++ {
		ptr, err := allocator.Allocate(driver.FlavorHost, 0, 64)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	require.NoError(t, allocator.Free(ptrs[0]))
	require.NoError(t, allocator.Free(ptrs[1]))

	backend.EXPECT().Free(driver.FlavorHost, 0, driver.Pointer(0x3000)).Return(nil)
	require.NoError(t, allocator.Free(ptrs[2]))

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.Total.CachedCount)
	require.Equal(t, 128, stats.Total.CachedBytes)
	requireValid(t, allocator)
}

func TestMemoryCallbacks(t *testing.T) {
	ctrl := gomock.NewController(t)

	var allocated, freed []driver.Pointer
	var seenAllocator *Allocator
	backend, _, allocator := readyAllocator(t, ctrl, CreateOptions{
		MemoryCallbackOptions: &MemoryCallbackOptions{
			Allocate: func(allocator *Allocator, flavor driver.Flavor, device int, ptr driver.Pointer, size int, userData interface{}) {
				seenAllocator = allocator
				require.Equal(t, "user data", userData)
				allocated = append(allocated, ptr)
			},
			Free: func(allocator *Allocator, flavor driver.Flavor, device int, ptr driver.Pointer, size int, userData interface{}) {
				freed = append(freed, ptr)
			},
			UserData: "user data",
		},
	})

	backend.EXPECT().Allocate(driver.FlavorHost, 0, 64).Return(driver.Pointer(0x1000), nil)
	backend.EXPECT().Free(driver.FlavorHost, 0, driver.Pointer(0x1000)).Return(nil)

	ptr, err := allocator.Allocate(driver.FlavorHost, 0, 64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))

	// Reuse does not reach the backend
	ptr, err = allocator.Allocate(driver.FlavorHost, 0, 64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))

	released, err := allocator.Trim(false)
	require.NoError(t, err)
	require.Equal(t, 1, released.BlockCount)
	require.Equal(t, 64, released.BlockBytes)

	require.Same(t, allocator, seenAllocator)
	require.Equal(t, []driver.Pointer{0x1000}, allocated)
	require.Equal(t, []driver.Pointer{0x1000}, freed)
}

func TestMigrateSameFlavorIsIdentity(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, _, allocator := readyAllocator(t, ctrl, CreateOptions{})

	backend.EXPECT().Allocate(driver.FlavorDevice, 1, 512).Return(driver.Pointer(0x1000), nil)
	backend.EXPECT().Copy(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	ptr, err := allocator.Allocate(driver.FlavorDevice, 1, 512)
	require.NoError(t, err)

	migrated, err := allocator.Migrate(ptr, driver.FlavorDevice)
	require.NoError(t, err)
	require.Equal(t, ptr, migrated)

	migrated, err = allocator.MigrateDevice(ptr, driver.FlavorDevice, 1)
	require.NoError(t, err)
	require.Equal(t, ptr, migrated)

	requireValid(t, allocator)
}

func TestMigrateCopyFailureKeepsSource(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, executor, allocator := readyAllocator(t, ctrl, CreateOptions{})

	executor.EXPECT().CurrentToken().Return(driver.Token(3)).AnyTimes()

	backend.EXPECT().Allocate(driver.FlavorHostPinned, 0, 256).Return(driver.Pointer(0x1000), nil)
	backend.EXPECT().Allocate(driver.FlavorDevice, 0, 256).Return(driver.Pointer(0x2000), nil)
	backend.EXPECT().Copy(driver.FlavorHostPinned, driver.FlavorDevice, driver.Pointer(0x1000), driver.Pointer(0x2000), 256, driver.Token(3)).
		Return(errors.New("copy engine failure"))

	src, err := allocator.Allocate(driver.FlavorHostPinned, 0, 256)
	require.NoError(t, err)

	id, err := allocator.PointerToID(src)
	require.NoError(t, err)

	_, err = allocator.Migrate(src, driver.FlavorDevice)
	require.Error(t, err)

	resolved, err := allocator.IDToPointer(id)
	require.NoError(t, err)
	require.Equal(t, src, resolved)

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Flavors[driver.FlavorHostPinned].AllocationCount)
	require.Equal(t, 1, stats.Flavors[driver.FlavorDevice].DeferredCount)

	// The source is still owned by the caller
	require.NoError(t, allocator.Free(src))
	requireValid(t, allocator)
}

func TestPrefetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend, _, allocator := readyAllocator(t, ctrl, CreateOptions{})

	backend.EXPECT().Allocate(driver.FlavorManagedReadMostly, 0, 1024).Return(driver.Pointer(0x1000), nil)
	backend.EXPECT().Allocate(driver.FlavorDevice, 0, 1024).Return(driver.Pointer(0x2000), nil)

	managed, err := allocator.Allocate(driver.FlavorManagedReadMostly, 0, 1024)
	require.NoError(t, err)
	device, err := allocator.Allocate(driver.FlavorDevice, 0, 1024)
	require.NoError(t, err)

	backend.EXPECT().Prefetch(driver.Pointer(0x1000), 1024, 1).Return(nil)
	require.NoError(t, allocator.Prefetch(managed, 1))

	backend.EXPECT().Prefetch(driver.Pointer(0x1000), 1024, driver.HostDevice).Return(errors.New("invalid device"))
	require.NoError(t, allocator.Prefetch(managed, driver.HostDevice))

	// Not managed, so the backend is never asked
	require.NoError(t, allocator.Prefetch(device, 0))

	err = allocator.Prefetch(0xbeef, 0)
	require.True(t, errors.Is(err, memutils.ErrUsage))

	err = allocator.Prefetch(managed, -7)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
}
