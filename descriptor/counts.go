package descriptor

import "github.com/vkngwrapper/foundry/driver"

// Counts holds a number of descriptors for each descriptor type, indexed by
// driver.DescriptorType
type Counts [driver.DescriptorTypeCount]int

// BindingCounts sums the descriptors declared by a set of layout bindings. A binding with a
// count of 0 declares a single descriptor.
func BindingCounts(bindings []driver.DescriptorBinding) Counts {
	var counts Counts
	for _, binding := range bindings {
		counts[binding.Type] += max(binding.Count, 1)
	}
	return counts
}

// poolCounts is the capacity of a general purpose pool holding maxSets sets
func poolCounts(maxSets int) Counts {
	var counts Counts
	counts[driver.DescriptorTypeSampler] = maxSets
	counts[driver.DescriptorTypeCombinedImageSampler] = 8 * maxSets
	counts[driver.DescriptorTypeSampledImage] = 8 * maxSets
	counts[driver.DescriptorTypeStorageImage] = maxSets
	counts[driver.DescriptorTypeUniformTexelBuffer] = maxSets
	counts[driver.DescriptorTypeStorageTexelBuffer] = maxSets
	counts[driver.DescriptorTypeUniformBuffer] = 2 * maxSets
	counts[driver.DescriptorTypeStorageBuffer] = 2 * maxSets
	counts[driver.DescriptorTypeUniformBufferDynamic] = maxSets
	counts[driver.DescriptorTypeStorageBufferDynamic] = maxSets
	counts[driver.DescriptorTypeInputAttachment] = 256
	return counts
}

func (c Counts) Add(other Counts) Counts {
	for i := range c {
		c[i] += other[i]
	}
	return c
}

func (c Counts) Sub(other Counts) Counts {
	for i := range c {
		c[i] -= other[i]
	}
	return c
}

// Max returns the larger count of each type
func (c Counts) Max(other Counts) Counts {
	for i := range c {
		c[i] = max(c[i], other[i])
	}
	return c
}

// Fits reports whether every count is within capacity
func (c Counts) Fits(capacity Counts) bool {
	for i := range c {
		if c[i] > capacity[i] {
			return false
		}
	}
	return true
}

func (c Counts) Total() int {
	total := 0
	for _, count := range c {
		total += count
	}
	return total
}

// Sizes lists the nonzero counts as pool sizes
func (c Counts) Sizes() []driver.DescriptorPoolSize {
	var sizes []driver.DescriptorPoolSize
	for descriptorType, count := range c {
		if count > 0 {
			sizes = append(sizes, driver.DescriptorPoolSize{
				Type:  driver.DescriptorType(descriptorType),
				Count: count,
			})
		}
	}
	return sizes
}
