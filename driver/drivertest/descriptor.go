package drivertest

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
)

type fakeDescriptorPool struct {
	info     driver.DescriptorPoolInfo
	capacity [driver.DescriptorTypeCount]int
	used     [driver.DescriptorTypeCount]int
	// sets maps each live set to its layout
	sets map[driver.Handle]driver.Handle
}

func (d *Device) layoutCounts(layout driver.Handle) [driver.DescriptorTypeCount]int {
	var counts [driver.DescriptorTypeCount]int
	for _, binding := range d.layoutBindings[layout] {
		counts[binding.Type] += binding.Count
	}
	return counts
}

func (d *Device) CreateDescriptorPool(info driver.DescriptorPoolInfo) (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return driver.NullHandle, err
	}
	if info.MaxSets < 1 {
		return driver.NullHandle, errors.Newf("invalid descriptor pool max sets %d", info.MaxSets)
	}

	pool := &fakeDescriptorPool{
		info: info,
		sets: make(map[driver.Handle]driver.Handle),
	}
	for _, size := range info.Sizes {
		pool.capacity[size.Type] += size.Count
	}

	handle := d.newHandle()
	d.descriptorPools[handle] = pool
	d.logEvent("create-descriptor-pool:%d", handle)
	return handle, nil
}

func (d *Device) DestroyDescriptorPool(pool driver.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	p, ok := d.descriptorPools[pool]
	if !ok {
		panic(errors.Newf("destroying unknown descriptor pool %d", pool))
	}
	for set := range p.sets {
		delete(d.descriptorSets, set)
	}
	delete(d.descriptorPools, pool)
	d.logEvent("destroy-descriptor-pool:%d", pool)
}

func (d *Device) ResetDescriptorPool(pool driver.Handle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return err
	}
	p, ok := d.descriptorPools[pool]
	if !ok {
		return errors.Newf("resetting unknown descriptor pool %d", pool)
	}

	for set := range p.sets {
		delete(d.descriptorSets, set)
	}
	p.sets = make(map[driver.Handle]driver.Handle)
	p.used = [driver.DescriptorTypeCount]int{}
	d.logEvent("reset-descriptor-pool:%d", pool)
	return nil
}

func (d *Device) AllocateDescriptorSet(pool driver.Handle, layout driver.Handle) (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return driver.NullHandle, err
	}
	p, ok := d.descriptorPools[pool]
	if !ok {
		return driver.NullHandle, errors.Newf("allocating from unknown descriptor pool %d", pool)
	}
	if err := d.requireObject(driver.ObjectDescriptorSetLayout, layout); err != nil {
		return driver.NullHandle, err
	}

	if len(p.sets) >= p.info.MaxSets {
		return driver.NullHandle, driver.OutOfMemoryf("descriptor pool %d already holds %d sets", pool, len(p.sets))
	}
	counts := d.layoutCounts(layout)
	for descriptorType, count := range counts {
		if p.used[descriptorType]+count > p.capacity[descriptorType] {
			return driver.NullHandle, driver.OutOfMemoryf("descriptor pool %d is out of type %d descriptors", pool, descriptorType)
		}
	}
	for descriptorType, count := range counts {
		p.used[descriptorType] += count
	}

	handle := d.newHandle()
	p.sets[handle] = layout
	d.descriptorSets[handle] = pool
	d.logEvent("allocate-descriptor-set:%d", handle)
	return handle, nil
}

func (d *Device) FreeDescriptorSet(pool driver.Handle, set driver.Handle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	p, ok := d.descriptorPools[pool]
	if !ok {
		return errors.Newf("freeing a set from unknown descriptor pool %d", pool)
	}
	if !p.info.FreeSets {
		return errors.Newf("descriptor pool %d was not created to free individual sets", pool)
	}
	layout, ok := p.sets[set]
	if !ok {
		return errors.Newf("%d is not a live set of descriptor pool %d", set, pool)
	}

	for descriptorType, count := range d.layoutCounts(layout) {
		p.used[descriptorType] -= count
	}
	delete(p.sets, set)
	delete(d.descriptorSets, set)
	d.logEvent("free-descriptor-set:%d", set)
	return nil
}

// DescriptorPoolCount is the number of live descriptor pools
func (d *Device) DescriptorPoolCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.descriptorPools)
}

// DescriptorSetCount is the number of live descriptor sets across every pool
func (d *Device) DescriptorSetCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.descriptorSets)
}

// DescriptorPoolInfo returns the info a live descriptor pool was created with
func (d *Device) DescriptorPoolInfo(pool driver.Handle) (driver.DescriptorPoolInfo, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	p, ok := d.descriptorPools[pool]
	if !ok {
		return driver.DescriptorPoolInfo{}, false
	}
	return p.info, true
}
