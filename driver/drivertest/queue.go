package drivertest

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
)

func (d *Device) CreateFence(signaled bool) (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return driver.NullHandle, err
	}

	fence := &fakeFence{signal: make(chan struct{})}
	if signaled {
		fence.signaled = true
		close(fence.signal)
	}

	handle := d.newHandle()
	d.fences[handle] = fence
	return handle, nil
}

func (d *Device) WaitFence(ctx context.Context, fence driver.Handle, timeout time.Duration) error {
	d.mutex.Lock()
	f, ok := d.fences[fence]
	lost := d.lost
	var signal chan struct{}
	if ok {
		signal = f.signal
	}
	d.mutex.Unlock()

	if !ok {
		return errors.Newf("waiting on unknown fence %d", fence)
	}
	if lost {
		return driver.DeviceLostf("the device was lost")
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-signal:
		d.Note(fmt.Sprintf("wait-fence:%d", fence))
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting on fence %d", fence)
	case <-d.lostChan:
		return driver.DeviceLostf("the device was lost while waiting on fence %d", fence)
	case <-timer:
		return driver.DeviceLostf("fence %d was not signaled within %s", fence, timeout)
	}
}

func (d *Device) ResetFence(fence driver.Handle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	f, ok := d.fences[fence]
	if !ok {
		return errors.Newf("resetting unknown fence %d", fence)
	}
	if d.failFenceReset {
		if d.fenceResetsBeforeFailure == 0 {
			d.failFenceReset = false
			return errors.Newf("device rejected reset of fence %d", fence)
		}
		d.fenceResetsBeforeFailure--
	}
	if f.signaled {
		f.signaled = false
		f.signal = make(chan struct{})
	}
	d.logEvent("reset-fence:%d", fence)
	return nil
}

// FailFenceReset makes one fence reset fail, after the given number of resets succeed
func (d *Device) FailFenceReset(successes int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.failFenceReset = true
	d.fenceResetsBeforeFailure = successes
}

func (d *Device) DestroyFence(fence driver.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	delete(d.fences, fence)
}

func (d *Device) signal(fence driver.Handle) {
	f, ok := d.fences[fence]
	if !ok {
		panic(fmt.Sprintf("signaling unknown fence %d", fence))
	}
	if !f.signaled {
		f.signaled = true
		close(f.signal)
	}
}

// Signal marks a fence signaled, as the device does when the work submitted with it completes
func (d *Device) Signal(fence driver.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.signal(fence)
	d.logEvent("signal:%d", fence)
}

// SignalAll signals the fence of every submission made so far
func (d *Device) SignalAll() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, submission := range d.submissions {
		if f, ok := d.fences[submission.Fence]; ok && !f.signaled {
			d.signal(submission.Fence)
			d.logEvent("signal:%d", submission.Fence)
		}
	}
}

func (d *Device) Signaled(fence driver.Handle) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	f, ok := d.fences[fence]
	return ok && f.signaled
}

// Submissions returns every submission made so far, in submission order
func (d *Device) Submissions() []Submission {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]Submission(nil), d.submissions...)
}

func (d *Device) CreateCommandPool() (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return driver.NullHandle, err
	}

	handle := d.newHandle()
	d.pools[handle] = nil
	return handle, nil
}

func (d *Device) ResetCommandPool(pool driver.Handle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return err
	}
	if _, ok := d.pools[pool]; !ok {
		return errors.Newf("resetting unknown command pool %d", pool)
	}
	d.logEvent("reset-pool:%d", pool)
	return nil
}

func (d *Device) AllocateCommandBuffer(pool driver.Handle) (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buffers, ok := d.pools[pool]
	if !ok {
		return driver.NullHandle, errors.Newf("allocating from unknown command pool %d", pool)
	}

	handle := d.newHandle()
	d.pools[pool] = append(buffers, handle)
	d.commandBuffers[handle] = pool
	return handle, nil
}

func (d *Device) DestroyCommandPool(pool driver.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, buffer := range d.pools[pool] {
		delete(d.commandBuffers, buffer)
	}
	delete(d.pools, pool)
}

func (d *Device) Submit(commandBuffers []driver.Handle, fence driver.Handle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return err
	}
	for _, buffer := range commandBuffers {
		if _, ok := d.commandBuffers[buffer]; !ok {
			return errors.Newf("submitting unknown command buffer %d", buffer)
		}
	}

	f, ok := d.fences[fence]
	if !ok {
		return errors.Newf("submitting with unknown fence %d", fence)
	}
	if f.signaled {
		return errors.Newf("submitting with fence %d, which is already signaled", fence)
	}

	d.submissions = append(d.submissions, Submission{
		CommandBuffers: append([]driver.Handle(nil), commandBuffers...),
		Fence:          fence,
	})
	d.logEvent("submit:%d", fence)

	if d.autoSignal {
		d.signal(fence)
	}
	return nil
}

// WaitIdle signals every outstanding submission, since nothing in the fake executes
func (d *Device) WaitIdle(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return err
	}
	for _, submission := range d.submissions {
		if f, ok := d.fences[submission.Fence]; ok && !f.signaled {
			d.signal(submission.Fence)
		}
	}
	d.logEvent("wait-idle")
	return nil
}
