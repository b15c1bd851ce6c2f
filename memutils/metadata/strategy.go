package metadata

// AllocationStrategy selects how a free range is chosen for a new allocation. If none is chosen,
// the best-fit (AllocationStrategyMinMemory) strategy is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest free range that can hold the allocation,
	// minimizing fragmentation at the expense of a full scan of the free list
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first free range that can hold the allocation
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset chooses the lowest offset that can hold the allocation. In an
	// offset-ordered free list this is the same range AllocationStrategyMinTime finds.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "Default"
	}
	return str
}

func (s AllocationStrategy) firstFit() bool {
	return s&AllocationStrategyMinMemory == 0 &&
		s&(AllocationStrategyMinTime|AllocationStrategyMinOffset) != 0
}
