package vkbackend

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/jitalloc/driver"
)

type memoryPreferences struct {
	required     core1_0.MemoryPropertyFlags
	preferred    core1_0.MemoryPropertyFlags
	notPreferred core1_0.MemoryPropertyFlags
}

// Vulkan has no unified memory; managed flavors map onto device-local memory the host can see,
// when the device has any, and degrade to host memory otherwise
var flavorPreferences = map[driver.Flavor]memoryPreferences{
	driver.FlavorHost: {
		required:     core1_0.MemoryPropertyHostVisible,
		preferred:    core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached,
		notPreferred: core1_0.MemoryPropertyDeviceLocal,
	},
	driver.FlavorHostAsync: {
		required:     core1_0.MemoryPropertyHostVisible,
		preferred:    core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached,
		notPreferred: core1_0.MemoryPropertyDeviceLocal,
	},
	driver.FlavorHostPinned: {
		required:     core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		notPreferred: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCached,
	},
	driver.FlavorDevice: {
		required:     core1_0.MemoryPropertyDeviceLocal,
		notPreferred: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyLazilyAllocated,
	},
	driver.FlavorManaged: {
		required:  core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		preferred: core1_0.MemoryPropertyDeviceLocal,
	},
	driver.FlavorManagedReadMostly: {
		required:  core1_0.MemoryPropertyHostVisible,
		preferred: core1_0.MemoryPropertyDeviceLocal,
	},
}

// findMemoryTypeIndex picks the memory type that has every required property of the flavor and
// the fewest mismatches against its preferences. -1 is returned if no type qualifies.
func findMemoryTypeIndex(properties *core1_0.PhysicalDeviceMemoryProperties, flavor driver.Flavor) (int, error) {
	preferences, ok := flavorPreferences[flavor]
	if !ok {
		return -1, errors.Newf("unknown memory flavor %d", flavor)
	}

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex, memType := range properties.MemoryTypes {
		flags := memType.PropertyFlags
		if preferences.required&flags != preferences.required {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferences.preferred & ^flags
		presentNotPreferredFlags := preferences.notPreferred & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Newf("no memory type supports %s memory", flavor)
	}

	return bestMemoryTypeIndex, nil
}
