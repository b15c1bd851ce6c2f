package vam

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/memutils/metadata"
)

// StagingRegion is a range of a staging arena handed out for a single upload
type StagingRegion struct {
	Buffer driver.Handle
	Offset int
	Data   []byte
}

// StagingArena is a persistently mapped, host visible transfer source buffer that uploads are
// bump allocated out of. Regions are never freed individually: the whole arena is reset once
// the frame that used it has retired.
type StagingArena struct {
	allocator *Allocator
	buffer    *Resource

	mutex    sync.Mutex
	metadata *metadata.LinearBlockMetadata
}

// NewStagingArena creates a staging arena of size bytes
func (a *Allocator) NewStagingArena(size int) (*StagingArena, error) {
	buffer, err := a.CreateBuffer(BufferCreateInfo{
		BufferCreateInfo: driver.BufferCreateInfo{
			Size:  size,
			Usage: driver.BufferUsageTransferSrc,
		},
		Class: driver.MemoryClassHostVisible,
		Name:  "staging",
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging buffer")
	}

	if buffer.Mapped() == nil {
		a.DestroyResource(buffer)
		return nil, errors.New("staging buffer memory is not host visible")
	}

	arena := &StagingArena{
		allocator: a,
		buffer:    buffer,
		metadata:  metadata.NewLinearBlockMetadata(),
	}
	arena.metadata.Init(size)

	return arena, nil
}

func (s *StagingArena) Buffer() *Resource {
	return s.buffer
}

// Allocate carves size bytes, aligned to alignment, out of the arena. A full arena returns an
// error marked driver.ErrOutOfMemory.
func (s *StagingArena) Allocate(size int, alignment uint) (StagingRegion, error) {
	if alignment == 0 {
		alignment = 1
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	success, request, err := s.metadata.CreateAllocationRequest(size, alignment, metadata.AllocationStrategyMinTime)
	if err != nil {
		return StagingRegion{}, err
	} else if !success {
		return StagingRegion{}, driver.OutOfMemoryf("staging arena cannot fit %d bytes: %d of %d bytes remain", size, s.metadata.SumFreeSize(), s.metadata.Size())
	}

	err = s.metadata.Alloc(request, size)
	if err != nil {
		return StagingRegion{}, err
	}

	offset := request.Item.Offset
	return StagingRegion{
		Buffer: s.buffer.Handle(),
		Offset: offset,
		Data:   s.buffer.Mapped()[offset : offset+size : offset+size],
	}, nil
}

// Write copies data into a newly allocated region of the arena
func (s *StagingArena) Write(data []byte, alignment uint) (StagingRegion, error) {
	region, err := s.Allocate(len(data), alignment)
	if err != nil {
		return region, err
	}

	copy(region.Data, data)
	return region, nil
}

// Used is the number of bytes consumed since the last reset, including alignment padding
func (s *StagingArena) Used() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.metadata.Head()
}

func (s *StagingArena) Size() int {
	return s.metadata.Size()
}

// Reset makes the entire arena available again. Regions handed out before the reset must no
// longer be in use by the device.
func (s *StagingArena) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.metadata.Clear()
}

func (s *StagingArena) Destroy() {
	s.allocator.DestroyResource(s.buffer)
}
