package obcache

import (
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/keyring"
)

// Object is a resident page or node.
//
// Objects are owned by the cache: their content is read and changed through cache methods,
// with the kernel lock held.
type Object struct {
	OID        disk.OID
	Type       disk.ObType
	AllocCount disk.ObCount
	CallCount  disk.ObCount

	// Ring is the head of the key ring of this object
	Ring keyring.SlotID
	// Target is the handle that prepared keys use to designate this object
	Target keyring.Target

	page  []byte
	slots [disk.NodeSlots]keyring.SlotID
	src   Source

	dirty bool
	// pinned is the generation this object was demarcated for, or zero
	pinned   uint64
	captured bool
	shadow   *Image
	// locked is the activity holding the transaction lock, or zero
	locked uint64
}

// Dirty tells if the object changed since it was last captured by a demarcation
func (o *Object) Dirty() bool {
	return o.dirty
}

// Pinned returns the generation holding this object, if any
func (o *Object) Pinned() (uint64, bool) {
	return o.pinned, o.pinned != 0
}

// LockedBy returns the activity holding the transaction lock of this object, if any
func (o *Object) LockedBy() (uint64, bool) {
	return o.locked, o.locked != 0
}

// Source of this object
func (o *Object) Source() Source {
	return o.src
}

// Persistent tells if this object is captured by checkpoints
func (o *Object) Persistent() bool {
	return o.OID.IsPersistent()
}

// Slot returns the arena slot holding a key of a node
func (o *Object) Slot(i int) keyring.SlotID {
	if o.Type != disk.TypeNode || i < 0 || i >= disk.NodeSlots {
		return keyring.Nil
	}
	return o.slots[i]
}
