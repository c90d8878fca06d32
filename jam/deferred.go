package jam

import (
	"github.com/vkngwrapper/jitalloc/driver"
)

type deferredFree struct {
	ptr   driver.Pointer
	key   AllocationKey
	token driver.Token
}

// deferredFreeQueue holds blocks that were released by their owner but may still be in use by
// asynchronous work. Entries leave the queue in the order they were added, except that an entry
// whose token completes early does not wait behind an older one.
type deferredFreeQueue struct {
	entries []deferredFree
	bytes   int
}

func (q *deferredFreeQueue) Len() int   { return len(q.entries) }
func (q *deferredFreeQueue) Bytes() int { return q.bytes }

func (q *deferredFreeQueue) Push(ptr driver.Pointer, key AllocationKey, token driver.Token) {
	q.entries = append(q.entries, deferredFree{ptr: ptr, key: key, token: token})
	q.bytes += key.Size
}

// Reap removes every entry for which ready returns true and passes it to visit. Remaining
// entries keep their relative order.
func (q *deferredFreeQueue) Reap(ready func(token driver.Token) bool, visit func(entry deferredFree)) int {
	kept := q.entries[:0]
	reaped := 0

	for _, entry := range q.entries {
		if !ready(entry.token) {
			kept = append(kept, entry)
			continue
		}

		q.bytes -= entry.key.Size
		reaped++
		visit(entry)
	}

	// Clear the tail so the backing array doesn't keep stale entries around
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = deferredFree{}
	}
	q.entries = kept

	return reaped
}

// Tokens returns the distinct tokens of every pending entry, oldest first
func (q *deferredFreeQueue) Tokens() []driver.Token {
	tokens := make([]driver.Token, 0, len(q.entries))
	seen := make(map[driver.Token]struct{}, len(q.entries))

	for _, entry := range q.entries {
		if _, ok := seen[entry.token]; ok {
			continue
		}
		seen[entry.token] = struct{}{}
		tokens = append(tokens, entry.token)
	}

	return tokens
}

func (q *deferredFreeQueue) Visit(visit func(entry deferredFree)) {
	for _, entry := range q.entries {
		visit(entry)
	}
}
