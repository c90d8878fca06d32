package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// Number covers the integer types used for sizes and alignments
type Number interface {
	~int | ~uint
}

// CheckPow2 returns PowerOfTwoError, annotated with the value's name, if number is zero or is not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s must be a power of two but is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	mask := int(alignment) - 1
	return (value + mask) &^ mask
}
