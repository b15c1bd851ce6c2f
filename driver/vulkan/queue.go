package vulkan

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/foundry/driver"
)

func (d *Device) CreateFence(signaled bool) (driver.Handle, error) {
	var flags core1_0.FenceCreateFlags
	if signaled {
		flags = core1_0.FenceCreateSignaled
	}

	fence, res, err := d.driver.CreateFence(nil, core1_0.FenceCreateInfo{Flags: flags})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "creating a fence")
	}

	return register(d, d.fences, fence), nil
}

// WaitFence waits for the shorter of the timeout and the time left before ctx's deadline. The
// device wait cannot be interrupted, so cancellation without a deadline is only noticed when
// the wait returns.
func (d *Device) WaitFence(ctx context.Context, handle driver.Handle, timeout time.Duration) error {
	fence, err := lookup(d, d.fences, handle)
	if err != nil {
		return err
	}

	wait := timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = max(remaining, 0)
		}
	}

	res, err := d.driver.WaitForFences(true, wait, fence)
	if err != nil {
		return wrapResult(res, err, "waiting on fence %d", handle)
	}
	if res == core1_0.VKTimeout {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "waiting on fence %d", handle)
		}
		return driver.DeviceLostf("fence %d was not signaled within %s", handle, timeout)
	}

	return nil
}

func (d *Device) ResetFence(handle driver.Handle) error {
	fence, err := lookup(d, d.fences, handle)
	if err != nil {
		return err
	}

	res, err := d.driver.ResetFences(fence)
	return wrapResult(res, err, "resetting fence %d", handle)
}

func (d *Device) DestroyFence(handle driver.Handle) {
	if fence, ok := unregister(d, d.fences, handle); ok {
		d.driver.DestroyFence(fence, nil)
	}
}

func (d *Device) CreateCommandPool() (driver.Handle, error) {
	pool, res, err := d.driver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: d.queueFamilyIndex,
	})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "creating a command pool")
	}

	return register(d, d.commandPools, pool), nil
}

func (d *Device) ResetCommandPool(handle driver.Handle) error {
	pool, err := lookup(d, d.commandPools, handle)
	if err != nil {
		return err
	}

	res, err := d.driver.ResetCommandPool(pool, 0)
	return wrapResult(res, err, "resetting command pool %d", handle)
}

func (d *Device) AllocateCommandBuffer(handle driver.Handle) (driver.Handle, error) {
	pool, err := lookup(d, d.commandPools, handle)
	if err != nil {
		return driver.NullHandle, err
	}

	buffers, res, err := d.driver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "allocating a command buffer from pool %d", handle)
	}

	buffer := register(d, d.commandBuffers, buffers[0])

	d.mutex.Lock()
	d.poolBuffers[handle] = append(d.poolBuffers[handle], buffer)
	d.mutex.Unlock()

	return buffer, nil
}

// DestroyCommandPool destroys the pool. Command buffers allocated from it are freed with it,
// and their handles become invalid.
func (d *Device) DestroyCommandPool(handle driver.Handle) {
	pool, ok := unregister(d, d.commandPools, handle)
	if !ok {
		return
	}

	d.mutex.Lock()
	buffers := d.poolBuffers[handle]
	delete(d.poolBuffers, handle)
	d.mutex.Unlock()

	for _, buffer := range buffers {
		unregister(d, d.commandBuffers, buffer)
	}

	d.driver.DestroyCommandPool(pool, nil)
}

func (d *Device) Submit(commandBuffers []driver.Handle, fenceHandle driver.Handle) error {
	buffers := make([]core1_0.CommandBuffer, 0, len(commandBuffers))
	for _, handle := range commandBuffers {
		buffer, err := lookup(d, d.commandBuffers, handle)
		if err != nil {
			return err
		}
		buffers = append(buffers, buffer)
	}

	fence, err := lookup(d, d.fences, fenceHandle)
	if err != nil {
		return err
	}

	d.queueMutex.Lock()
	defer d.queueMutex.Unlock()

	res, err := d.driver.QueueSubmit(d.queue, &fence, core1_0.SubmitInfo{
		CommandBuffers: buffers,
	})
	return wrapResult(res, err, "submitting %d command buffers", len(buffers))
}

func (d *Device) WaitIdle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "waiting for the device to idle")
	}

	res, err := d.driver.DeviceWaitIdle()
	return wrapResult(res, err, "waiting for the device to idle")
}
