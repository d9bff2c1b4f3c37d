// Package keyring holds every capability slot of the kernel in a single arena, and
// threads prepared slots on the key ring of their target object.
//
// Slots are designated by SlotID indices into the arena. Each resident object owns a
// sentinel slot, the head of its ring: a prepared slot is linked on the ring of its target,
// and only there. Ring operations rewrite indices and never allocate.
//
// An arena is not safe for concurrent use: the kernel lock protects it.
package keyring

import (
	"github.com/oneconcern/capstore/pkg/key"
)

// SlotID designates a slot in the arena
type SlotID uint32

// Nil is the invalid slot
const Nil SlotID = 0

// Target is the handle of a resident object, as allocated by the object cache
type Target uint32

// NoTarget is the invalid target handle
const NoTarget Target = 0

type slot struct {
	key      key.Key
	target   Target
	ring     SlotID
	next     SlotID
	prev     SlotID
	inUse    bool
	head     bool
	prepared bool
	hazard   bool
}

// Arena of capability slots
type Arena struct {
	slots    []slot
	free     []SlotID
	inUse    int
	onHazard func(SlotID)
}

// Option for an arena
type Option func(*Arena)

// OnHazard sets a hook called whenever the hazard of a slot is cleared.
// The hook must not modify the arena.
func OnHazard(fn func(SlotID)) Option {
	return func(a *Arena) {
		a.onHazard = fn
	}
}

// NewArena builds an arena with an initial capacity. The arena grows as needed.
func NewArena(capacity int, opts ...Option) *Arena {
	a := &Arena{
		slots: make([]slot, 1, capacity+1), // slot 0 is Nil
	}
	for _, apply := range opts {
		apply(a)
	}
	return a
}

func (a *Arena) alloc(head bool) SlotID {
	var id SlotID
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		id = SlotID(len(a.slots) - 1)
	}
	a.slots[id] = slot{inUse: true, head: head}
	if head {
		a.slots[id].next = id
		a.slots[id].prev = id
	}
	a.inUse++
	return id
}

// Alloc a slot holding a void key
func (a *Arena) Alloc() SlotID {
	return a.alloc(false)
}

// NewRing allocates the sentinel of an empty key ring
func (a *Arena) NewRing() SlotID {
	return a.alloc(true)
}

// Free a slot. A prepared slot is unlinked first.
// Freeing the head of a non-empty ring panics.
func (a *Arena) Free(id SlotID) {
	s := a.get(id)
	if s.head && s.next != id {
		panic("keyring: freeing the head of a non-empty ring")
	}
	if s.prepared {
		a.unlink(id)
	}
	a.slots[id] = slot{}
	a.free = append(a.free, id)
	a.inUse--
}

// InUse is the number of allocated slots, ring heads included
func (a *Arena) InUse() int {
	return a.inUse
}

func (a *Arena) get(id SlotID) *slot {
	if id == Nil || int(id) >= len(a.slots) || !a.slots[id].inUse {
		panic("keyring: invalid slot")
	}
	return &a.slots[id]
}

// Valid tells if a slot is allocated
func (a *Arena) Valid(id SlotID) bool {
	return id != Nil && int(id) < len(a.slots) && a.slots[id].inUse && !a.slots[id].head
}

// Key held in a slot
func (a *Arena) Key(id SlotID) key.Key {
	return a.get(id).key
}

// Set stores an unprepared key in a slot, unpreparing the previous one
func (a *Arena) Set(id SlotID, k key.Key) {
	s := a.get(id)
	if s.prepared {
		a.unlink(id)
	}
	s.key = k
}

// Void a slot
func (a *Arena) Void(id SlotID) {
	a.Set(id, key.VoidKey)
}

// Prepared returns the target of a prepared slot
func (a *Arena) Prepared(id SlotID) (Target, bool) {
	s := a.get(id)
	return s.target, s.prepared
}

// Link marks a slot prepared and links it on the ring of its target.
//
// Resume keys are kept at the tail of the ring, all other keys at the front.
func (a *Arena) Link(head, id SlotID, target Target) {
	s := a.get(id)
	if s.prepared {
		a.unlink(id)
	}
	h := a.get(head)
	if !h.head {
		panic("keyring: linking on a slot which is not a ring head")
	}
	var prev, next SlotID
	if s.key.Type == key.Resume {
		prev, next = h.prev, head
	} else {
		prev, next = head, h.next
	}
	s.prev, s.next = prev, next
	a.slots[prev].next = id
	a.slots[next].prev = id
	s.ring = head
	s.target = target
	s.prepared = true
}

// Unlink a prepared slot from its ring. The key returns to its unprepared form.
func (a *Arena) Unlink(id SlotID) {
	if a.get(id).prepared {
		a.unlink(id)
	}
}

func (a *Arena) unlink(id SlotID) {
	s := &a.slots[id]
	a.slots[s.prev].next = s.next
	a.slots[s.next].prev = s.prev
	s.next, s.prev, s.ring = Nil, Nil, Nil
	s.target = NoTarget
	s.prepared = false
	if s.hazard {
		a.clearHazard(id)
	}
}

// Copy a key from one slot to another. When the source is prepared, the destination
// is prepared on the same ring.
func (a *Arena) Copy(dst, src SlotID) {
	if dst == src {
		return
	}
	s := a.get(src)
	a.Set(dst, s.key)
	if s.prepared {
		a.Link(s.ring, dst, s.target)
	}
}

// SetHazard marks a slot as cached outside of the arena
func (a *Arena) SetHazard(id SlotID) {
	a.get(id).hazard = true
}

// Hazard tells if a slot is marked as cached outside of the arena
func (a *Arena) Hazard(id SlotID) bool {
	return a.get(id).hazard
}

func (a *Arena) clearHazard(id SlotID) {
	a.slots[id].hazard = false
	if a.onHazard != nil {
		a.onHazard(id)
	}
}

// Len is the number of slots on a ring
func (a *Arena) Len(head SlotID) int {
	n := 0
	a.Walk(head, func(SlotID, key.Key) bool {
		n++
		return true
	})
	return n
}

// Empty tells if no prepared key designates the owner of this ring
func (a *Arena) Empty(head SlotID) bool {
	return a.get(head).next == head
}

// Walk calls fn for each slot on a ring, front to tail, until fn returns false.
// The ring must not be modified by fn.
func (a *Arena) Walk(head SlotID, fn func(SlotID, key.Key) bool) {
	for id := a.get(head).next; id != head; id = a.slots[id].next {
		if !fn(id, a.slots[id].key) {
			return
		}
	}
}

// RescindAll voids every key on a ring, and leaves it empty.
// It returns the number of voided keys.
func (a *Arena) RescindAll(head SlotID) int {
	n := 0
	h := a.get(head)
	for h.next != head {
		id := h.next
		s := &a.slots[id]
		if s.hazard {
			a.clearHazard(id)
		}
		a.unlink(id)
		s.key = key.VoidKey
		n++
	}
	return n
}

// UnprepareAll returns every key on a ring to its unprepared form, and leaves the ring empty.
// It returns the number of unprepared keys.
func (a *Arena) UnprepareAll(head SlotID) int {
	n := 0
	h := a.get(head)
	for h.next != head {
		a.unlink(h.next)
		n++
	}
	return n
}

// ObjectMoved moves all keys of a ring to another ring, now designating a new target.
// The destination ring must be empty.
func (a *Arena) ObjectMoved(from, to SlotID, target Target) {
	if !a.Empty(to) {
		panic("keyring: moving keys to a non-empty ring")
	}
	f := a.get(from)
	if f.next == from {
		return
	}
	for id := f.next; id != from; id = a.slots[id].next {
		s := &a.slots[id]
		if s.hazard {
			a.clearHazard(id)
		}
		s.target = target
		s.ring = to
	}
	first, last := f.next, f.prev
	t := a.get(to)
	t.next, t.prev = first, last
	a.slots[first].prev = to
	a.slots[last].next = to
	f.next, f.prev = from, from
}

// ClearWriteHazard clears the hazard of all slots on a ring
func (a *Arena) ClearWriteHazard(head SlotID) {
	a.Walk(head, func(id SlotID, _ key.Key) bool {
		if a.slots[id].hazard {
			a.clearHazard(id)
		}
		return true
	})
}

// HasResumeKeys tells if some prepared resume key designates the owner of a ring
func (a *Arena) HasResumeKeys(head SlotID) bool {
	h := a.get(head)
	return h.prev != head && a.slots[h.prev].key.Type == key.Resume
}

// ZapResumeKeys voids all prepared resume keys on a ring, and returns how many were voided
func (a *Arena) ZapResumeKeys(head SlotID) int {
	n := 0
	h := a.get(head)
	for h.prev != head && a.slots[h.prev].key.Type == key.Resume {
		id := h.prev
		a.unlink(id)
		a.slots[id].key = key.VoidKey
		n++
	}
	return n
}
