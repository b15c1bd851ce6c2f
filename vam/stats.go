package vam

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/memutils"
)

// HeapInfo summarizes the heaps of one memory type and tiling
type HeapInfo struct {
	MemoryTypeIndex int
	Tiling          driver.Tiling
	HeapCount       int
	// Reserved is the number of bytes of device memory held by the heaps
	Reserved int
	// Used is the number of reserved bytes backing live allocations
	Used int
}

// HeapInfo returns one entry for every memory type and tiling that currently holds heaps
func (a *Allocator) HeapInfo() []HeapInfo {
	var infos []HeapInfo
	for typeIndex, lists := range a.heapLists {
		for _, list := range lists {
			var stats memutils.Statistics
			list.AddStatistics(&stats)
			if stats.HeapCount == 0 {
				continue
			}

			infos = append(infos, HeapInfo{
				MemoryTypeIndex: typeIndex,
				Tiling:          list.tiling,
				HeapCount:       stats.HeapCount,
				Reserved:        stats.HeapBytes,
				Used:            stats.AllocationBytes,
			})
		}
	}

	return infos
}

// CalculateStatistics sums the statistics of every heap into stats, which is cleared first
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	for _, lists := range a.heapLists {
		for _, list := range lists {
			list.AddDetailedStatistics(stats)
		}
	}
}

// BuildStatsString returns a JSON document describing the allocator's memory types and heaps.
// When detailed is true, every allocation and free range of every heap is listed.
func (a *Allocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("MemoryTypeCount").Int(len(a.memoryTypes))
	generalObj.Name("PreferredHeapSize").Int(a.preferredHeapSize)
	generalObj.Name("MaxHeapCount").Int(a.maxHeapCount)
	generalObj.Name("Flags").String(a.createFlags.String())
	generalObj.End()

	var total memutils.DetailedStatistics
	a.CalculateStatistics(&total)

	totalObj := rootObj.Name("Total").Object()
	total.PrintJson(totalObj)
	totalObj.End()

	typesObj := rootObj.Name("MemoryTypes").Object()
	for typeIndex, lists := range a.heapLists {
		typeObj := typesObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
		typeObj.Name("Flags").String(a.memoryTypes[typeIndex].Properties.String())
		typeObj.Name("HeapIndex").Int(a.memoryTypes[typeIndex].HeapIndex)

		for _, list := range lists {
			if list.IsEmpty() {
				continue
			}

			listObj := typeObj.Name(list.tiling.String()).Object()

			var stats memutils.DetailedStatistics
			stats.Clear()
			list.AddDetailedStatistics(&stats)

			statsObj := listObj.Name("Stats").Object()
			stats.PrintJson(statsObj)
			statsObj.End()

			if detailed {
				heapsObj := listObj.Name("Heaps").Object()
				list.PrintDetailedMap(heapsObj)
				heapsObj.End()
			}

			listObj.End()
		}

		typeObj.End()
	}
	typesObj.End()

	rootObj.End()
	return string(writer.Bytes())
}
