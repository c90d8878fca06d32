package jam

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/jitalloc/driver"
)

// freeBlockCache holds blocks that are not owned by anyone and are safe to hand out again. Each
// key has its own stack, so the most recently released block is the first to be reused.
type freeBlockCache struct {
	blocks *swiss.Map[AllocationKey, []driver.Pointer]
	count  int
	bytes  int
}

func (c *freeBlockCache) Init() {
	c.blocks = swiss.NewMap[AllocationKey, []driver.Pointer](64)
	c.count = 0
	c.bytes = 0
}

func (c *freeBlockCache) Count() int   { return c.count }
func (c *freeBlockCache) Bytes() int   { return c.bytes }
func (c *freeBlockCache) IsEmpty() bool { return c.count == 0 }

func (c *freeBlockCache) Push(key AllocationKey, ptr driver.Pointer) {
	stack, _ := c.blocks.Get(key)
	c.blocks.Put(key, append(stack, ptr))
	c.count++
	c.bytes += key.Size
}

func (c *freeBlockCache) Pop(key AllocationKey) (driver.Pointer, bool) {
	stack, ok := c.blocks.Get(key)
	if !ok || len(stack) == 0 {
		return 0, false
	}

	last := len(stack) - 1
	ptr := stack[last]
	if last == 0 {
		c.blocks.Delete(key)
	} else {
		c.blocks.Put(key, stack[:last])
	}

	c.count--
	c.bytes -= key.Size
	return ptr, true
}

// Drain empties the cache, visiting every block it held
func (c *freeBlockCache) Drain(visit func(key AllocationKey, ptr driver.Pointer)) {
	c.blocks.Iter(func(key AllocationKey, stack []driver.Pointer) bool {
		for i := len(stack) - 1; i >= 0; i-- {
			visit(key, stack[i])
		}
		return false
	})

	c.blocks.Clear()
	c.count = 0
	c.bytes = 0
}

// Visit calls visit for every cached block without modifying the cache
func (c *freeBlockCache) Visit(visit func(key AllocationKey, ptr driver.Pointer)) {
	c.blocks.Iter(func(key AllocationKey, stack []driver.Pointer) bool {
		for _, ptr := range stack {
			visit(key, ptr)
		}
		return false
	})
}
