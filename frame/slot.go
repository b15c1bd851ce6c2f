package frame

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/lifetime"
)

// Slot is one of the scheduler's rotating frame contexts. It owns a command pool and the fences
// of every submission made while it was the current frame.
type Slot struct {
	index  int
	driver driver.QueueDriver

	bufferMutex sync.Mutex
	pool        driver.Handle
	buffers     []driver.Handle
	used        int

	// pending fences were submitted and have not been waited on, free fences are unsignaled
	// and ready for reuse
	pending []pendingFence
	free    []driver.Handle

	// Written under the scheduler's locks, read from any goroutine
	lastSeq      atomic.Uint64
	completedSeq atomic.Uint64
	confirmed    atomic.Bool
	frame        atomic.Uint64
	recording    atomic.Bool
}

type pendingFence struct {
	fence driver.Handle
	seq   lifetime.Seq
}

func newSlot(drv driver.QueueDriver, index int) (*Slot, error) {
	pool, err := drv.CreateCommandPool()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create the command pool for frame slot %d", index)
	}

	slot := &Slot{
		index:  index,
		driver: drv,
		pool:   pool,
	}
	slot.confirmed.Store(true)
	return slot, nil
}

func (s *Slot) Index() int { return s.index }

// Frame is the number of the frame this slot was most recently begun for
func (s *Slot) Frame() uint64 { return s.frame.Load() }

// LastSeq is the sequence number of the slot's most recent submission
func (s *Slot) LastSeq() lifetime.Seq { return lifetime.Seq(s.lastSeq.Load()) }

// CompletedSeq reports the highest sequence number whose fence this slot has waited on, and
// whether the most recent wait succeeded
func (s *Slot) CompletedSeq() (lifetime.Seq, bool) {
	confirmed := s.confirmed.Load()
	return lifetime.Seq(s.completedSeq.Load()), confirmed
}

// CommandBuffer returns a primary command buffer from the slot's pool. Command buffers are
// recycled when the slot's pool is reset at the start of its next frame.
func (s *Slot) CommandBuffer() (driver.Handle, error) {
	if !s.recording.Load() {
		panic(driver.Invariantf("command buffer requested from frame slot %d outside of its frame", s.index))
	}

	s.bufferMutex.Lock()
	defer s.bufferMutex.Unlock()

	if s.used < len(s.buffers) {
		buffer := s.buffers[s.used]
		s.used++
		return buffer, nil
	}

	buffer, err := s.driver.AllocateCommandBuffer(s.pool)
	if err != nil {
		return driver.NullHandle, errors.Wrapf(err, "failed to allocate a command buffer for frame slot %d", s.index)
	}

	s.buffers = append(s.buffers, buffer)
	s.used++
	return buffer, nil
}

func (s *Slot) takeFence() (driver.Handle, error) {
	if len(s.free) > 0 {
		fence := s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		return fence, nil
	}

	return s.driver.CreateFence(false)
}

func (s *Slot) resetPool() error {
	s.bufferMutex.Lock()
	defer s.bufferMutex.Unlock()

	err := s.driver.ResetCommandPool(s.pool)
	if err != nil {
		return err
	}

	s.used = 0
	return nil
}

func (s *Slot) destroy() {
	for _, pending := range s.pending {
		s.driver.DestroyFence(pending.fence)
	}
	for _, fence := range s.free {
		s.driver.DestroyFence(fence)
	}
	s.pending = nil
	s.free = nil
	s.buffers = nil

	s.driver.DestroyCommandPool(s.pool)
	s.pool = driver.NullHandle
}
