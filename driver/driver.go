// Package driver describes the collaborators the allocator is built on: a Backend that
// performs raw allocations, frees, copies and prefetches, and an Executor that reports on
// the completion of asynchronous work. Nothing in this package allocates memory itself.
package driver

//go:generate mockgen -source=driver.go -destination=mocks/mocks.go -package=mocks

// Pointer is the raw address of a block of memory as returned by a Backend. Its meaning
// (host virtual address, device address, unified address) depends on the Flavor it was
// allocated with.
type Pointer uintptr

// Token is an opaque readiness marker produced by an Executor. A block released with a
// token may be reused once the Executor reports that token as complete.
type Token uint64

// Backend performs the raw memory operations for every flavor and device. Implementations
// are expected to be expensive and possibly synchronizing, which is why the allocator caches
// their results.
type Backend interface {
	// Allocate reserves size bytes of the requested flavor on the requested device. The
	// device ordinal is zero for host flavors. Errors caused by exhausted memory must be
	// marked with memutils.ErrOutOfMemory; the allocator only releases its cache and retries
	// for those.
	Allocate(flavor Flavor, device int, size int) (Pointer, error)
	// Free returns a block previously produced by Allocate.
	Free(flavor Flavor, device int, ptr Pointer) error
	// Copy issues a copy of size bytes from src to dst. The copy must be ordered after all
	// work represented by the ordering token. It may complete asynchronously.
	Copy(srcFlavor, dstFlavor Flavor, src, dst Pointer, size int, ordering Token) error
	// Prefetch hints that the pages of a managed allocation should be moved close to the
	// provided device. HostDevice designates host memory.
	Prefetch(ptr Pointer, size int, device int) error
}

// Executor exposes the state of the asynchronous work queue that consumes allocations.
type Executor interface {
	// CurrentToken returns a token representing all work queued so far
	CurrentToken() Token
	// IsComplete returns true if all work represented by the token has finished. It must
	// never block.
	IsComplete(token Token) bool
	// Wait blocks until all work represented by the token has finished
	Wait(token Token) error
}
