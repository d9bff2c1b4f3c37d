package keyring

import (
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring/status"
)

// Check verifies the consistency of a ring: links are symmetric, every member is a
// prepared object key designating target and listing this ring, and resume keys are
// only found at the tail.
func (a *Arena) Check(head SlotID, target Target) error {
	if !a.validID(head) || !a.slots[head].head {
		return status.ErrBadSlot.WrapMessage("%d is not a ring head", head)
	}
	seen := make(map[SlotID]struct{})
	cur := head
	resumes := false
	for next := a.slots[head].next; next != head; next = a.slots[next].next {
		if !a.validID(next) {
			return status.ErrBadRing.WrapMessage("ring %d links to invalid slot %d", head, next)
		}
		if _, dup := seen[next]; dup {
			return status.ErrBadRing.WrapMessage("ring %d loops at slot %d", head, next)
		}
		seen[next] = struct{}{}

		s := a.slots[next]
		switch {
		case s.prev != cur:
			return status.ErrBadRing.WrapMessage("slot %d: prev is %d, expected %d", next, s.prev, cur)
		case !s.prepared:
			return status.ErrBadRing.WrapMessage("slot %d is not prepared", next)
		case !s.key.Type.IsObject():
			return status.ErrBadRing.WrapMessage("slot %d holds a %v key", next, s.key.Type)
		case s.ring != head:
			return status.ErrBadRing.WrapMessage("slot %d refers to ring %d", next, s.ring)
		case s.target != target:
			return status.ErrBadRing.WrapMessage("slot %d designates target %d, expected %d", next, s.target, target)
		}
		if s.key.Type == key.Resume {
			resumes = true
		} else if resumes {
			return status.ErrBadRing.WrapMessage("slot %d follows a resume key", next)
		}
		cur = next
	}
	if a.slots[head].prev != cur {
		return status.ErrBadRing.WrapMessage("ring %d: tail is %d, expected %d", head, a.slots[head].prev, cur)
	}
	return nil
}

func (a *Arena) validID(id SlotID) bool {
	return id != Nil && int(id) < len(a.slots) && a.slots[id].inUse
}
