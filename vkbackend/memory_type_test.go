package vkbackend

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/jitalloc/driver"
)

func discreteMemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     2,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 8000000, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 16000000},
			{Size: 256000, Flags: core1_0.MemoryHeapDeviceLocal},
		},
	}
}

func TestFindMemoryTypeIndexDiscrete(t *testing.T) {
	properties := discreteMemoryProperties()

	expected := map[driver.Flavor]int{
		driver.FlavorHost:              2,
		driver.FlavorHostAsync:         2,
		driver.FlavorHostPinned:        1,
		driver.FlavorDevice:            0,
		driver.FlavorManaged:           3,
		driver.FlavorManagedReadMostly: 3,
	}

	for flavor, index := range expected {
		found, err := findMemoryTypeIndex(properties, flavor)
		require.NoError(t, err, flavor.String())
		require.Equal(t, index, found, flavor.String())
	}
}

func TestFindMemoryTypeIndexHostOnly(t *testing.T) {
	properties := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{{Size: 1000000}},
	}

	index, err := findMemoryTypeIndex(properties, driver.FlavorManaged)
	require.NoError(t, err)
	require.Equal(t, 0, index)

	_, err = findMemoryTypeIndex(properties, driver.FlavorDevice)
	require.Error(t, err)

	_, err = findMemoryTypeIndex(properties, driver.Flavor(42))
	require.Error(t, err)
}
