package drivertest

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
)

// FailNext makes the next count builds of the given object kind fail as if the device rejected
// them
func (d *Device) FailNext(kind driver.ObjectKind, count int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.failObjects[kind] += count
}

// Created is the number of objects of a kind that were successfully built over the device's
// lifetime
func (d *Device) Created(kind driver.ObjectKind) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.created[kind]
}

// LiveObjects is the number of objects of a kind that have been built and not destroyed
func (d *Device) LiveObjects(kind driver.ObjectKind) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	count := 0
	for _, objectKind := range d.objects {
		if objectKind == kind {
			count++
		}
	}
	return count
}

func (d *Device) createObject(kind driver.ObjectKind) (driver.Handle, error) {
	if err := d.checkLost(); err != nil {
		return driver.NullHandle, err
	}

	if d.failObjects[kind] > 0 {
		d.failObjects[kind]--
		return driver.NullHandle, errors.Newf("device rejected %s", kind)
	}

	handle := d.newHandle()
	d.objects[handle] = kind
	d.created[kind]++
	d.logEvent("create-%s:%d", kind, handle)
	return handle, nil
}

func (d *Device) requireObject(kind driver.ObjectKind, handle driver.Handle) error {
	objectKind, ok := d.objects[handle]
	if !ok || objectKind != kind {
		return errors.Newf("%d is not a live %s", handle, kind)
	}
	return nil
}

func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorBinding) (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle, err := d.createObject(driver.ObjectDescriptorSetLayout)
	if err != nil {
		return driver.NullHandle, err
	}
	d.layoutBindings[handle] = append([]driver.DescriptorBinding(nil), bindings...)
	return handle, nil
}

// LayoutBindings returns the bindings a descriptor set layout was built with, exactly as the
// device received them
func (d *Device) LayoutBindings(layout driver.Handle) []driver.DescriptorBinding {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]driver.DescriptorBinding(nil), d.layoutBindings[layout]...)
}

func (d *Device) CreatePipelineLayout(setLayouts []driver.Handle, pushConstants []driver.PushConstantRange) (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, setLayout := range setLayouts {
		if err := d.requireObject(driver.ObjectDescriptorSetLayout, setLayout); err != nil {
			return driver.NullHandle, err
		}
	}

	return d.createObject(driver.ObjectPipelineLayout)
}

func (d *Device) CreateGraphicsPipeline(info driver.GraphicsPipelineInfo) (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.requireObject(driver.ObjectPipelineLayout, info.Layout); err != nil {
		return driver.NullHandle, err
	}
	if len(info.Stages) == 0 {
		return driver.NullHandle, errors.New("a graphics pipeline requires at least one shader stage")
	}

	return d.createObject(driver.ObjectPipeline)
}

func (d *Device) CreateSampler(info driver.SamplerInfo) (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.createObject(driver.ObjectSampler)
}

func (d *Device) DestroyObject(kind driver.ObjectKind, object driver.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.requireObject(kind, object); err != nil {
		panic(fmt.Sprintf("destroying object: %v", err))
	}
	delete(d.objects, object)
	delete(d.layoutBindings, object)
	d.logEvent("destroy-%s:%d", kind, object)
}

func (d *Device) LoadPipelineCache(data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pipelineCache = append([]byte(nil), data...)
	d.hasCache = true
	return nil
}

// PipelineCacheData returns the loaded cache data followed by one byte per pipeline built,
// so that the data changes as pipelines are created. Like a real device, there is nothing to
// return until LoadPipelineCache has created a cache.
func (d *Device) PipelineCacheData() ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.hasCache {
		return nil, nil
	}
	data := append([]byte{}, d.pipelineCache...)
	for i := 0; i < d.created[driver.ObjectPipeline]; i++ {
		data = append(data, byte(i))
	}
	return data, nil
}
