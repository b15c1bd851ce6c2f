package vulkan

import (
	"unsafe"

	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/foundry/driver"
)

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (driver.Handle, error) {
	memory, res, err := d.driver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "allocating %d bytes from memory type %d", size, memoryTypeIndex)
	}

	return register(d, d.memory, memory), nil
}

func (d *Device) FreeMemory(handle driver.Handle) {
	memory, ok := unregister(d, d.memory, handle)
	if !ok {
		panic(driver.Invariantf("freeing unknown device memory %d", handle))
	}

	d.driver.FreeMemory(memory, nil)
}

func (d *Device) MapMemory(handle driver.Handle, size int) ([]byte, error) {
	memory, err := lookup(d, d.memory, handle)
	if err != nil {
		return nil, err
	}

	ptr, res, err := d.driver.MapMemory(memory, 0, size, 0)
	if err != nil {
		return nil, wrapResult(res, err, "mapping %d bytes of device memory %d", size, handle)
	}

	return unsafe.Slice((*byte)(ptr), size), nil
}

func (d *Device) UnmapMemory(handle driver.Handle) {
	memory, err := lookup(d, d.memory, handle)
	if err != nil {
		return
	}

	d.driver.UnmapMemory(memory)
}

func requirements(reqs *core1_0.MemoryRequirements) driver.MemoryRequirements {
	return driver.MemoryRequirements{
		Size:      int(reqs.Size),
		Alignment: uint(reqs.Alignment),
		TypeBits:  uint32(reqs.MemoryTypeBits),
	}
}

func (d *Device) CreateBuffer(info driver.BufferCreateInfo) (driver.Handle, driver.MemoryRequirements, error) {
	buffer, res, err := d.driver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       core1_0.BufferUsageFlags(info.Usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return driver.NullHandle, driver.MemoryRequirements{}, wrapResult(res, err, "creating a %d byte buffer", info.Size)
	}

	reqs := d.driver.GetBufferMemoryRequirements(buffer)
	return register(d, d.buffers, buffer), requirements(reqs), nil
}

func (d *Device) DestroyBuffer(handle driver.Handle) {
	buffer, ok := unregister(d, d.buffers, handle)
	if !ok {
		panic(driver.Invariantf("destroying unknown buffer %d", handle))
	}

	d.driver.DestroyBuffer(buffer, nil)
}

func (d *Device) BindBufferMemory(bufferHandle driver.Handle, memoryHandle driver.Handle, offset int) error {
	buffer, err := lookup(d, d.buffers, bufferHandle)
	if err != nil {
		return err
	}
	memory, err := lookup(d, d.memory, memoryHandle)
	if err != nil {
		return err
	}

	res, err := d.driver.BindBufferMemory(buffer, memory, offset)
	return wrapResult(res, err, "binding buffer %d to memory %d at offset %d", bufferHandle, memoryHandle, offset)
}

func (d *Device) CreateImage(info driver.ImageCreateInfo) (driver.Handle, driver.MemoryRequirements, error) {
	imageType := core1_0.ImageType2D
	if info.Depth > 1 {
		imageType = core1_0.ImageType3D
	}

	image, res, err := d.driver.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: imageType,
		Extent: core1_0.Extent3D{
			Width:  info.Width,
			Height: info.Height,
			Depth:  max(info.Depth, 1),
		},
		MipLevels:     max(info.MipLevels, 1),
		ArrayLayers:   max(info.ArrayLayers, 1),
		Format:        core1_0.Format(info.Format),
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         core1_0.ImageUsageFlags(info.Usage),
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.SampleCountFlags(max(info.Samples, 1)),
	})
	if err != nil {
		return driver.NullHandle, driver.MemoryRequirements{}, wrapResult(res, err, "creating a %dx%d image", info.Width, info.Height)
	}

	reqs := d.driver.GetImageMemoryRequirements(image)
	return register(d, d.images, image), requirements(reqs), nil
}

func (d *Device) DestroyImage(handle driver.Handle) {
	image, ok := unregister(d, d.images, handle)
	if !ok {
		panic(driver.Invariantf("destroying unknown image %d", handle))
	}

	d.driver.DestroyImage(image, nil)
}

func (d *Device) BindImageMemory(imageHandle driver.Handle, memoryHandle driver.Handle, offset int) error {
	image, err := lookup(d, d.images, imageHandle)
	if err != nil {
		return err
	}
	memory, err := lookup(d, d.memory, memoryHandle)
	if err != nil {
		return err
	}

	res, err := d.driver.BindImageMemory(image, memory, offset)
	return wrapResult(res, err, "binding image %d to memory %d at offset %d", imageHandle, memoryHandle, offset)
}
