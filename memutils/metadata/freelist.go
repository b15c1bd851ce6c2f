package metadata

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/memutils"
)

type freeRange struct {
	offset int
	size   int
}

func (r freeRange) end() int {
	return r.offset + r.size
}

// FreeListBlockMetadata is a BlockMetadata implementation that keeps the free space of the block
// as a list of disjoint ranges ordered by offset. Allocation is best-fit by default, and freeing
// a range merges it with any free neighbor it shares a boundary with, so two adjacent free ranges
// never coexist in the list.
//
// Allocation handles are the offsets of the allocations they identify, which are unique among
// live allocations in a block.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	free            []freeRange
	allocations     *swiss.Map[BlockAllocationHandle, Suballocation]
	allocationCount int
	sumFreeSize     int
}

var _ BlockMetadata = &FreeListBlockMetadata{}

func NewFreeListBlockMetadata() *FreeListBlockMetadata {
	return &FreeListBlockMetadata{}
}

func (m *FreeListBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.Clear()
}

func (m *FreeListBlockMetadata) Clear() {
	m.allocations = swiss.NewMap[BlockAllocationHandle, Suballocation](42)
	m.allocationCount = 0
	m.sumFreeSize = m.Size()
	m.free = m.free[:0]
	if m.Size() > 0 {
		m.free = append(m.free, freeRange{offset: 0, size: m.Size()})
	}
}

func (m *FreeListBlockMetadata) AllocationCount() int  { return m.allocationCount }
func (m *FreeListBlockMetadata) FreeRegionsCount() int { return len(m.free) }
func (m *FreeListBlockMetadata) SumFreeSize() int      { return m.sumFreeSize }
func (m *FreeListBlockMetadata) IsEmpty() bool         { return m.allocationCount == 0 }

func (m *FreeListBlockMetadata) getAllocation(handle BlockAllocationHandle) (Suballocation, error) {
	alloc, ok := m.allocations.Get(handle)
	if !ok {
		return Suballocation{}, errors.Newf("handle %d does not map to a live allocation in this block", handle)
	}
	return alloc, nil
}

func (m *FreeListBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return 0, err
	}
	return alloc.Offset, nil
}

func (m *FreeListBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return nil, err
	}
	return alloc.UserData, nil
}

func (m *FreeListBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	if allocSize < 1 {
		return false, AllocationRequest{}, errors.Newf("invalid allocation size %d", allocSize)
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, err
	}

	if allocSize > m.sumFreeSize {
		return false, AllocationRequest{}, nil
	}

	bestIndex := -1
	bestOffset := 0
	for index, r := range m.free {
		offset := memutils.AlignUp(r.offset, allocAlignment)
		if offset+allocSize > r.end() {
			continue
		}

		if bestIndex < 0 || r.size < m.free[bestIndex].size {
			bestIndex = index
			bestOffset = offset
		}

		if strategy.firstFit() || r.size == allocSize {
			break
		}
	}

	if bestIndex < 0 {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: BlockAllocationHandle(bestOffset),
		Size:                  allocSize,
		Item: Suballocation{
			Offset: bestOffset,
			Size:   allocSize,
		},
		Type:          AllocationRequestFreeList,
		AlgorithmData: uint64(bestIndex),
	}, nil
}

func (m *FreeListBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestFreeList {
		return errors.Newf("allocation request of type %s cannot be committed to a free list", request.Type)
	}

	index := int(request.AlgorithmData)
	if index < 0 || index >= len(m.free) {
		return errors.Newf("allocation request refers to free range %d, but there are only %d", index, len(m.free))
	}

	r := m.free[index]
	offset := request.Item.Offset
	end := offset + request.Size
	if offset < r.offset || end > r.end() {
		return errors.Newf("allocation request [%d, %d) no longer fits in free range [%d, %d)", offset, end, r.offset, r.end())
	}

	// Carve the allocation out of the range, leaving the alignment padding before it and the
	// tail after it as free ranges.
	before := freeRange{offset: r.offset, size: offset - r.offset}
	after := freeRange{offset: end, size: r.end() - end}

	switch {
	case before.size > 0 && after.size > 0:
		m.free = append(m.free, freeRange{})
		copy(m.free[index+2:], m.free[index+1:])
		m.free[index] = before
		m.free[index+1] = after
	case before.size > 0:
		m.free[index] = before
	case after.size > 0:
		m.free[index] = after
	default:
		m.free = append(m.free[:index], m.free[index+1:]...)
	}

	m.allocations.Put(BlockAllocationHandle(offset), Suballocation{
		Offset:   offset,
		Size:     request.Size,
		UserData: userData,
	})
	m.allocationCount++
	m.sumFreeSize -= request.Size

	return nil
}

func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	index := sort.Search(len(m.free), func(i int) bool {
		return m.free[i].offset > alloc.Offset
	})

	mergeLeft := false
	if index > 0 {
		left := m.free[index-1]
		if left.end() > alloc.Offset {
			return errors.Newf("free range [%d, %d) overlaps allocation at offset %d", left.offset, left.end(), alloc.Offset)
		}
		mergeLeft = left.end() == alloc.Offset
	}

	mergeRight := false
	if index < len(m.free) {
		right := m.free[index]
		if alloc.End() > right.offset {
			return errors.Newf("free range [%d, %d) overlaps allocation at offset %d", right.offset, right.end(), alloc.Offset)
		}
		mergeRight = alloc.End() == right.offset
	}

	switch {
	case mergeLeft && mergeRight:
		m.free[index-1].size += alloc.Size + m.free[index].size
		m.free = append(m.free[:index], m.free[index+1:]...)
	case mergeLeft:
		m.free[index-1].size += alloc.Size
	case mergeRight:
		m.free[index].offset = alloc.Offset
		m.free[index].size += alloc.Size
	default:
		m.free = append(m.free, freeRange{})
		copy(m.free[index+1:], m.free[index:])
		m.free[index] = freeRange{offset: alloc.Offset, size: alloc.Size}
	}

	m.allocations.Delete(allocHandle)
	m.allocationCount--
	m.sumFreeSize += alloc.Size

	return nil
}

// VisitAllRegions walks the block from offset 0. Free ranges and allocations tile the block
// exactly, so every position is either the start of the next free range or a live allocation.
func (m *FreeListBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	freeIndex := 0
	for offset := 0; offset < m.Size(); {
		if freeIndex < len(m.free) && m.free[freeIndex].offset == offset {
			r := m.free[freeIndex]
			err := handleBlock(NoAllocation, r.offset, r.size, nil, true)
			if err != nil {
				return err
			}

			offset = r.end()
			freeIndex++
			continue
		}

		alloc, ok := m.allocations.Get(BlockAllocationHandle(offset))
		if !ok {
			return errors.Newf("offset %d is neither free nor the start of an allocation", offset)
		}

		err := handleBlock(BlockAllocationHandle(offset), alloc.Offset, alloc.Size, alloc.UserData, false)
		if err != nil {
			return err
		}

		offset = alloc.End()
	}

	if freeIndex != len(m.free) {
		return errors.Newf("%d free ranges lie outside the block", len(m.free)-freeIndex)
	}

	return nil
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.sumFreeSize > m.Size() || m.sumFreeSize < 0 {
		return errors.Newf("invalid metadata free size %d", m.sumFreeSize)
	}

	calculatedFreeSize := 0
	for index, r := range m.free {
		if r.size < 1 {
			return errors.Newf("free range at offset %d has invalid size %d", r.offset, r.size)
		}
		if r.offset < 0 || r.end() > m.Size() {
			return errors.Newf("free range [%d, %d) lies outside the block", r.offset, r.end())
		}
		if index > 0 {
			prev := m.free[index-1]
			if prev.end() > r.offset {
				return errors.Newf("free ranges at offsets %d and %d overlap or are out of order", prev.offset, r.offset)
			}
			if prev.end() == r.offset {
				return errors.Newf("free ranges at offsets %d and %d are adjacent but were not merged", prev.offset, r.offset)
			}
		}
		calculatedFreeSize += r.size
	}

	if calculatedFreeSize != m.sumFreeSize {
		return errors.Newf("free ranges sum to %d bytes, but the metadata records %d", calculatedFreeSize, m.sumFreeSize)
	}

	var allocCount, allocBytes int
	err := m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if !free {
			allocCount++
			allocBytes += size
		}
		return nil
	})
	if err != nil {
		return err
	}

	if allocCount != m.allocationCount {
		return errors.Newf("found %d allocations, but the metadata records %d", allocCount, m.allocationCount)
	}
	if allocBytes+calculatedFreeSize != m.Size() {
		return errors.Newf("allocations (%d bytes) and free ranges (%d bytes) do not cover the block (%d bytes)", allocBytes, calculatedFreeSize, m.Size())
	}

	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
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

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.HeapCount++
	stats.AllocationCount += m.allocationCount
	stats.HeapBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.sumFreeSize
}

func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.sumFreeSize, m.allocationCount, len(m.free))
}
