// Package frame rotates a fixed number of frame slots, submits command buffers in call order,
// and retires the resources and objects of each slot once the device has finished with them.
package frame

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/lifetime"
)

const (
	// DefaultFramesInFlight is the number of slots used when Options.FramesInFlight is 0
	DefaultFramesInFlight = 2
	// DefaultFenceTimeout bounds each fence wait when Options.FenceTimeout is 0. A fence that
	// stays unsignaled for this long is treated as a lost device.
	DefaultFenceTimeout = 5 * time.Second
)

// RetireFunc receives the ids retired when a slot's fences were confirmed signaled. It is called
// once per BeginFrame, with no ids when nothing retired, before the slot's command pool is reset.
// Submissions cannot be made while it runs.
type RetireFunc func(slot *Slot, ids []lifetime.ID)

type Options struct {
	FramesInFlight int
	FenceTimeout   time.Duration
	OnRetire       RetireFunc
}

// Scheduler hands out frame slots round-robin and orders submissions. BeginFrame, EndFrame and
// WaitIdle must be called from one goroutine at a time; Submit may be called from any goroutine
// while a frame is open.
type Scheduler struct {
	logger  *slog.Logger
	driver  driver.QueueDriver
	tracker *lifetime.Tracker

	fenceTimeout time.Duration
	onRetire     RetireFunc

	frameMutex sync.Mutex
	slots      []*Slot
	current    *Slot
	next       int
	frame      uint64

	// submitMutex serializes sequence numbering, submission and retirement dispatch
	submitMutex sync.Mutex
	lastSeq     lifetime.Seq

	lostMutex sync.Mutex
	lostErr   error
}

func New(logger *slog.Logger, drv driver.QueueDriver, tracker *lifetime.Tracker, options Options) (*Scheduler, error) {
	if options.FramesInFlight < 0 {
		return nil, errors.Newf("invalid frames in flight %d", options.FramesInFlight)
	}
	if options.FramesInFlight == 0 {
		options.FramesInFlight = DefaultFramesInFlight
	}
	if options.FenceTimeout <= 0 {
		options.FenceTimeout = DefaultFenceTimeout
	}

	s := &Scheduler{
		logger:       logger,
		driver:       drv,
		tracker:      tracker,
		fenceTimeout: options.FenceTimeout,
		onRetire:     options.OnRetire,
	}

	for index := 0; index < options.FramesInFlight; index++ {
		slot, err := newSlot(drv, index)
		if err != nil {
			s.Destroy()
			return nil, err
		}
		s.slots = append(s.slots, slot)
	}

	return s, nil
}

func (s *Scheduler) FramesInFlight() int {
	return len(s.slots)
}

// Frame is the number of frames begun so far
func (s *Scheduler) Frame() uint64 {
	s.frameMutex.Lock()
	defer s.frameMutex.Unlock()

	return s.frame
}

// Lost returns the error that caused the device to be considered lost, or nil
func (s *Scheduler) Lost() error {
	s.lostMutex.Lock()
	defer s.lostMutex.Unlock()

	return s.lostErr
}

func (s *Scheduler) checkLost(err error) error {
	if !errors.Is(err, driver.ErrDeviceLost) {
		return err
	}

	s.lostMutex.Lock()
	defer s.lostMutex.Unlock()

	if s.lostErr == nil {
		s.lostErr = err
		s.logger.LogAttrs(context.Background(), slog.LevelError, "device lost", slog.Any("error", err))
	}
	return err
}

func (s *Scheduler) lostError() error {
	err := s.Lost()
	if err != nil {
		return driver.Mark(errors.Wrap(err, "the device was lost"), driver.ErrDeviceLost)
	}
	return nil
}

// BeginFrame waits until the next slot's previous submissions have completed, retires what they
// referenced, resets the slot's command pool, and returns the slot. If ctx ends during the wait,
// the ctx error is returned and BeginFrame may be retried. A fence wait that exceeds the fence
// timeout returns an error marked driver.ErrDeviceLost and every later call fails the same way.
func (s *Scheduler) BeginFrame(ctx context.Context) (*Slot, error) {
	s.frameMutex.Lock()
	defer s.frameMutex.Unlock()

	if err := s.lostError(); err != nil {
		return nil, err
	}
	if s.current != nil {
		panic(driver.Invariantf("frame %d was begun before frame %d ended", s.frame+1, s.frame))
	}

	slot := s.slots[s.next]
	err := s.retireSlot(ctx, slot)
	if err != nil {
		return nil, err
	}

	err = slot.resetPool()
	if err != nil {
		return nil, s.checkLost(errors.Wrapf(err, "failed to reset the command pool of frame slot %d", slot.index))
	}

	s.frame++
	slot.frame.Store(s.frame)
	slot.recording.Store(true)
	s.current = slot
	s.next = (s.next + 1) % len(s.slots)

	return slot, nil
}

// retireSlot waits for every pending fence of the slot, resets them and dispatches the ids their
// submissions retired
func (s *Scheduler) retireSlot(ctx context.Context, slot *Slot) error {
	s.submitMutex.Lock()
	pending := append([]pendingFence(nil), slot.pending...)
	if len(pending) > 0 {
		slot.confirmed.Store(false)
	}
	s.submitMutex.Unlock()

	for _, p := range pending {
		err := s.driver.WaitFence(ctx, p.fence, s.fenceTimeout)
		if err != nil {
			return s.checkLost(errors.Wrapf(err, "failed waiting on frame slot %d", slot.index))
		}
	}

	s.submitMutex.Lock()
	defer s.submitMutex.Unlock()

	// Submit may have appended to slot.pending since it was copied, so fences are trimmed from
	// the front one at a time. A fence is either pending or free, never both.
	for _, p := range pending {
		err := s.driver.ResetFence(p.fence)
		if err != nil {
			return s.checkLost(errors.Wrapf(err, "failed to reset a fence of frame slot %d", slot.index))
		}
		slot.pending = slot.pending[1:]
		slot.free = append(slot.free, p.fence)
	}

	if len(pending) > 0 {
		slot.completedSeq.Store(uint64(pending[len(pending)-1].seq))
	}
	slot.confirmed.Store(true)

	ids := s.tracker.RetireCompleted(slot)
	if s.onRetire != nil {
		s.onRetire(slot, ids)
	}

	return nil
}

// Submit submits command buffers recorded from the slot of the current frame. ids are the
// resources and objects the command buffers reference: they remain in use until the slot's
// fence is confirmed signaled by a future BeginFrame or WaitIdle. Sequence numbers are assigned
// in call order.
func (s *Scheduler) Submit(slot *Slot, commandBuffers []driver.Handle, ids []lifetime.ID) (lifetime.Seq, error) {
	if err := s.lostError(); err != nil {
		return 0, err
	}

	s.submitMutex.Lock()
	defer s.submitMutex.Unlock()

	if !slot.recording.Load() {
		panic(driver.Invariantf("submission to frame slot %d outside of its frame", slot.index))
	}

	fence, err := slot.takeFence()
	if err != nil {
		return 0, s.checkLost(errors.Wrap(err, "failed to create a submission fence"))
	}

	err = s.driver.Submit(commandBuffers, fence)
	if err != nil {
		slot.free = append(slot.free, fence)
		return 0, s.checkLost(errors.Wrapf(err, "failed to submit %d command buffers", len(commandBuffers)))
	}

	s.lastSeq++
	seq := s.lastSeq

	slot.pending = append(slot.pending, pendingFence{fence: fence, seq: seq})
	slot.lastSeq.Store(uint64(seq))

	s.tracker.Record(lifetime.Submission{
		Seq:  seq,
		Slot: slot.index,
		IDs:  ids,
	})

	return seq, nil
}

// EndFrame closes the current frame. Its slot is not reused until FramesInFlight-1 more frames
// have begun.
func (s *Scheduler) EndFrame() error {
	s.frameMutex.Lock()
	defer s.frameMutex.Unlock()

	if s.current == nil {
		panic(driver.Invariantf("EndFrame called with no frame in progress"))
	}

	// Taking the submit lock waits out any Submit that saw the frame open
	s.submitMutex.Lock()
	s.current.recording.Store(false)
	s.submitMutex.Unlock()
	s.current = nil

	return s.lostError()
}

// WaitIdle waits for the device to finish all submitted work and retires everything. Frame slots
// keep their command buffers until their next BeginFrame.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.frameMutex.Lock()
	defer s.frameMutex.Unlock()

	if err := s.lostError(); err != nil {
		return err
	}

	err := s.driver.WaitIdle(ctx)
	if err != nil {
		return s.checkLost(errors.Wrap(err, "failed waiting for the device to idle"))
	}

	for index := range s.slots {
		// Oldest slot first, so retirement is reported in submission order
		slot := s.slots[(s.next+index)%len(s.slots)]
		err = s.retireSlot(ctx, slot)
		if err != nil {
			return err
		}
	}

	return nil
}

// Destroy destroys every fence and command pool. The device must be idle or lost.
func (s *Scheduler) Destroy() {
	s.frameMutex.Lock()
	defer s.frameMutex.Unlock()

	for _, slot := range s.slots {
		slot.destroy()
	}
	s.slots = nil
	s.current = nil
}
