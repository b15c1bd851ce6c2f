package memutils

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned reports whether value is a multiple of alignment, which must be a power of two
func IsAligned(value int, alignment uint) bool {
	return value&int(alignment-1) == 0
}

// MaxAlignment returns the larger of two power-of-two alignments
func MaxAlignment(left, right uint) uint {
	if left > right {
		return left
	}
	return right
}
