package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/foundry/driver"
)

func (d *Device) CreateDescriptorPool(info driver.DescriptorPoolInfo) (driver.Handle, error) {
	sizes := make([]core1_0.DescriptorPoolSize, 0, len(info.Sizes))
	for _, size := range info.Sizes {
		sizes = append(sizes, core1_0.DescriptorPoolSize{
			Type:            core1_0.DescriptorType(size.Type),
			DescriptorCount: size.Count,
		})
	}

	var flags core1_0.DescriptorPoolCreateFlags
	if info.FreeSets {
		flags |= core1_0.DescriptorPoolCreateFreeDescriptorSet
	}

	pool, res, err := d.driver.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		Flags:     flags,
		MaxSets:   info.MaxSets,
		PoolSizes: sizes,
	})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "creating a descriptor pool for %d sets", info.MaxSets)
	}

	handle := register(d, d.descriptorPools, pool)

	d.mutex.Lock()
	d.poolSets[handle] = make(map[driver.Handle]struct{})
	d.mutex.Unlock()

	return handle, nil
}

// forgetPoolSets invalidates the handles of every set allocated from a pool
func (d *Device) forgetPoolSets(handle driver.Handle) {
	d.mutex.Lock()
	sets := d.poolSets[handle]
	d.poolSets[handle] = make(map[driver.Handle]struct{})
	d.mutex.Unlock()

	for set := range sets {
		unregister(d, d.descriptorSets, set)
	}
}

// DestroyDescriptorPool destroys the pool. Sets allocated from it are freed with it, and their
// handles become invalid.
func (d *Device) DestroyDescriptorPool(handle driver.Handle) {
	pool, ok := unregister(d, d.descriptorPools, handle)
	if !ok {
		return
	}

	d.forgetPoolSets(handle)
	d.mutex.Lock()
	delete(d.poolSets, handle)
	d.mutex.Unlock()

	d.driver.DestroyDescriptorPool(pool, nil)
}

func (d *Device) ResetDescriptorPool(handle driver.Handle) error {
	pool, err := lookup(d, d.descriptorPools, handle)
	if err != nil {
		return err
	}

	res, err := d.driver.ResetDescriptorPool(pool, 0)
	if err != nil {
		return wrapResult(res, err, "resetting descriptor pool %d", handle)
	}

	d.forgetPoolSets(handle)
	return nil
}

func (d *Device) AllocateDescriptorSet(poolHandle driver.Handle, layoutHandle driver.Handle) (driver.Handle, error) {
	pool, err := lookup(d, d.descriptorPools, poolHandle)
	if err != nil {
		return driver.NullHandle, err
	}
	layout, err := lookup(d, d.descriptorSetLayouts, layoutHandle)
	if err != nil {
		return driver.NullHandle, err
	}

	sets, res, err := d.driver.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{layout},
	})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "allocating a descriptor set from pool %d", poolHandle)
	}

	set := register(d, d.descriptorSets, sets[0])

	d.mutex.Lock()
	d.poolSets[poolHandle][set] = struct{}{}
	d.mutex.Unlock()

	return set, nil
}

func (d *Device) FreeDescriptorSet(poolHandle driver.Handle, setHandle driver.Handle) error {
	d.mutex.Lock()
	_, ok := d.poolSets[poolHandle][setHandle]
	d.mutex.Unlock()
	if !ok {
		return errors.Newf("%d is not a live set of descriptor pool %d", setHandle, poolHandle)
	}

	set, err := lookup(d, d.descriptorSets, setHandle)
	if err != nil {
		return err
	}

	res, err := d.driver.FreeDescriptorSets(set)
	if err != nil {
		return wrapResult(res, err, "freeing descriptor set %d", setHandle)
	}

	unregister(d, d.descriptorSets, setHandle)
	d.mutex.Lock()
	delete(d.poolSets[poolHandle], setHandle)
	d.mutex.Unlock()
	return nil
}

// DescriptorSet returns the device descriptor set behind a handle, for writing descriptors
// with DeviceDriver().UpdateDescriptorSets and binding the set while recording
func (d *Device) DescriptorSet(handle driver.Handle) (core1_0.DescriptorSet, error) {
	return lookup(d, d.descriptorSets, handle)
}
