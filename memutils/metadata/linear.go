package metadata

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/memutils"
)

type linearSuballocation struct {
	Suballocation
	freed bool
}

// LinearBlockMetadata is a bump allocator: every allocation is placed after the previous one, and
// space is only reclaimed once every allocation in the block has been freed, or the block is
// cleared. It suits transient data whose lifetime ends all at once, like staging uploads for a
// single frame.
type LinearBlockMetadata struct {
	BlockMetadataBase

	suballocations  []linearSuballocation
	head            int
	allocationCount int
	allocationBytes int
}

var _ BlockMetadata = &LinearBlockMetadata{}

func NewLinearBlockMetadata() *LinearBlockMetadata {
	return &LinearBlockMetadata{}
}

func (m *LinearBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.Clear()
}

func (m *LinearBlockMetadata) Clear() {
	m.suballocations = m.suballocations[:0]
	m.head = 0
	m.allocationCount = 0
	m.allocationBytes = 0
}

func (m *LinearBlockMetadata) AllocationCount() int { return m.allocationCount }
func (m *LinearBlockMetadata) IsEmpty() bool        { return m.allocationCount == 0 }

// SumFreeSize only counts the space after the last allocation: holes left by freed allocations
// cannot be reused until the block empties.
func (m *LinearBlockMetadata) SumFreeSize() int { return m.Size() - m.head }

func (m *LinearBlockMetadata) FreeRegionsCount() int {
	if m.head < m.Size() {
		return 1
	}
	return 0
}

// Head returns the offset at which the next allocation search begins
func (m *LinearBlockMetadata) Head() int { return m.head }

func (m *LinearBlockMetadata) find(handle BlockAllocationHandle) (int, error) {
	offset := int(handle)
	index := sort.Search(len(m.suballocations), func(i int) bool {
		return m.suballocations[i].Offset >= offset
	})
	if index >= len(m.suballocations) || m.suballocations[index].Offset != offset || m.suballocations[index].freed {
		return -1, errors.Newf("handle %d does not map to a live allocation in this block", handle)
	}
	return index, nil
}

func (m *LinearBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	index, err := m.find(allocHandle)
	if err != nil {
		return 0, err
	}
	return m.suballocations[index].Offset, nil
}

func (m *LinearBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	index, err := m.find(allocHandle)
	if err != nil {
		return nil, err
	}
	return m.suballocations[index].UserData, nil
}

func (m *LinearBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	if allocSize < 1 {
		return false, AllocationRequest{}, errors.Newf("invalid allocation size %d", allocSize)
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, err
	}

	offset := memutils.AlignUp(m.head, allocAlignment)
	if offset+allocSize > m.Size() {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: BlockAllocationHandle(offset),
		Size:                  allocSize,
		Item: Suballocation{
			Offset: offset,
			Size:   allocSize,
		},
		Type:          AllocationRequestLinear,
		AlgorithmData: uint64(m.head),
	}, nil
}

func (m *LinearBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestLinear {
		return errors.Newf("allocation request of type %s cannot be committed to a linear block", request.Type)
	}
	if int(request.AlgorithmData) != m.head {
		return errors.Newf("allocation request was created at head %d, but the head is now %d", request.AlgorithmData, m.head)
	}

	m.suballocations = append(m.suballocations, linearSuballocation{
		Suballocation: Suballocation{
			Offset:   request.Item.Offset,
			Size:     request.Size,
			UserData: userData,
		},
	})
	m.head = request.Item.Offset + request.Size
	m.allocationCount++
	m.allocationBytes += request.Size

	return nil
}

func (m *LinearBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	index, err := m.find(allocHandle)
	if err != nil {
		return err
	}

	m.suballocations[index].freed = true
	m.suballocations[index].UserData = nil
	m.allocationCount--
	m.allocationBytes -= m.suballocations[index].Size

	if m.allocationCount == 0 {
		m.Clear()
	}

	return nil
}

func (m *LinearBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	offset := 0
	for _, suballoc := range m.suballocations {
		if suballoc.Offset > offset {
			err := handleBlock(NoAllocation, offset, suballoc.Offset-offset, nil, true)
			if err != nil {
				return err
			}
		}

		var err error
		if suballoc.freed {
			err = handleBlock(NoAllocation, suballoc.Offset, suballoc.Size, nil, true)
		} else {
			err = handleBlock(BlockAllocationHandle(suballoc.Offset), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
		}
		if err != nil {
			return err
		}
		offset = suballoc.End()
	}

	if offset < m.Size() {
		return handleBlock(NoAllocation, offset, m.Size()-offset, nil, true)
	}

	return nil
}

func (m *LinearBlockMetadata) Validate() error {
	if m.head > m.Size() {
		return errors.Newf("head %d is past the end of the block", m.head)
	}

	offset := 0
	var allocCount, allocBytes int
	for _, suballoc := range m.suballocations {
		if suballoc.Offset < offset {
			return errors.Newf("allocation at offset %d overlaps the previous allocation", suballoc.Offset)
		}
		if !suballoc.freed {
			allocCount++
			allocBytes += suballoc.Size
		}
		offset = suballoc.End()
	}

	if offset != m.head {
		return errors.Newf("last allocation ends at %d, but head is %d", offset, m.head)
	}
	if allocCount != m.allocationCount || allocBytes != m.allocationBytes {
		return errors.Newf("found %d allocations (%d bytes), but the metadata records %d (%d bytes)",
			allocCount, allocBytes, m.allocationCount, m.allocationBytes)
	}

	return nil
}

func (m *LinearBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += m.Size()

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

func (m *LinearBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.HeapCount++
	stats.AllocationCount += m.allocationCount
	stats.HeapBytes += m.Size()
	stats.AllocationBytes += m.allocationBytes
}

func (m *LinearBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.Size()-m.allocationBytes, m.allocationCount, m.FreeRegionsCount())
}
