package jam

import (
	"fmt"

	"github.com/vkngwrapper/jitalloc/driver"
)

// ID is an opaque, stable identifier for an allocation. It remains valid across migrations and
// until the allocation is released to the backend. The zero ID is never minted.
type ID uint64

const NoID ID = 0

func (id ID) index() uint32      { return uint32(id) - 1 }
func (id ID) generation() uint32 { return uint32(id >> 32) }

func makeID(index, generation uint32) ID {
	return ID(uint64(generation)<<32 | uint64(index+1))
}

func (id ID) String() string {
	if id == NoID {
		return "none"
	}
	return fmt.Sprintf("%d#%d", id.index(), id.generation())
}

type handleSlot struct {
	ptr        driver.Pointer
	generation uint32
	live       bool
}

// handleTable maps IDs to pointers. Slots are stored densely and recycled; each reuse bumps the
// slot's generation so IDs minted before the reuse no longer resolve.
type handleTable struct {
	slots     []handleSlot
	freeSlots []uint32
	live      int
}

func (t *handleTable) Count() int { return t.live }

func (t *handleTable) Mint(ptr driver.Pointer) ID {
	var index uint32
	if len(t.freeSlots) > 0 {
		index = t.freeSlots[len(t.freeSlots)-1]
		t.freeSlots = t.freeSlots[:len(t.freeSlots)-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, handleSlot{})
	}

	slot := &t.slots[index]
	slot.ptr = ptr
	slot.live = true
	t.live++

	return makeID(index, slot.generation)
}

func (t *handleTable) slot(id ID) *handleSlot {
	if id == NoID {
		return nil
	}

	index := id.index()
	if int(index) >= len(t.slots) {
		return nil
	}

	slot := &t.slots[index]
	if !slot.live || slot.generation != id.generation() {
		return nil
	}

	return slot
}

func (t *handleTable) Resolve(id ID) (driver.Pointer, bool) {
	slot := t.slot(id)
	if slot == nil {
		return 0, false
	}
	return slot.ptr, true
}

// Retarget points a live ID at a new pointer
func (t *handleTable) Retarget(id ID, ptr driver.Pointer) bool {
	slot := t.slot(id)
	if slot == nil {
		return false
	}
	slot.ptr = ptr
	return true
}

// Release retires an ID. Its slot will be reused under a new generation.
func (t *handleTable) Release(id ID) bool {
	slot := t.slot(id)
	if slot == nil {
		return false
	}

	slot.ptr = 0
	slot.live = false
	slot.generation++
	t.live--
	t.freeSlots = append(t.freeSlots, id.index())
	return true
}
