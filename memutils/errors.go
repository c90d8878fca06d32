package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrInvalidArgument is returned when a request is malformed: a non-positive size, an unknown
	// flavor, or a device ordinal that is out of range. No state is changed.
	ErrInvalidArgument error = errors.New("invalid argument")
	// ErrOutOfMemory is returned when the backend could not satisfy an allocation, even after the
	// allocator released its cached memory and retried
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrUsage marks programmer errors in the calling system, such as freeing a pointer twice.
	// Every error marked with ErrUsage is also marked with a more specific error below.
	ErrUsage error = errors.New("allocator usage error")
	// ErrUnknownPointer is returned when a pointer that was never produced by the allocator, or
	// that has already been released to the backend, is passed to it
	ErrUnknownPointer error = errors.New("unknown pointer")
	// ErrDoubleFree is returned when a pointer that has already been freed by its owner is freed
	// or otherwise used again
	ErrDoubleFree error = errors.New("pointer was already freed")
	// ErrInvalidIdentifier is returned when resolving an identifier that was never minted, or whose
	// pointer has since been released to the backend
	ErrInvalidIdentifier error = errors.New("invalid identifier")
	// ErrAllocatorClosed is returned from every operation on an allocator that has been shut down
	ErrAllocatorClosed error = errors.New("allocator has been shut down")
)
