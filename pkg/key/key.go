// Package key describes capabilities (keys): a closed set of key types, permission bits
// and the conversion between the in-memory and the disk form of keys.
//
// A key value only names its target by OID and count. Whether a key held in a slot is
// prepared, and which resident object it designates, is tracked by the key ring arena.
package key

import (
	"fmt"

	"github.com/oneconcern/capstore/pkg/disk"
)

// Type is the type tag of a key
type Type uint8

// Key types
const (
	Void Type = iota
	Number
	Node
	Page
	Start
	Resume
	Device
	Schedule

	// NumTypes is the number of key types
	NumTypes
)

var typeNames = [NumTypes]string{
	Void:     "void",
	Number:   "number",
	Node:     "node",
	Page:     "page",
	Start:    "start",
	Resume:   "resume",
	Device:   "device",
	Schedule: "schedule",
}

func (t Type) String() string {
	if t < NumTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("keytype(%d)", uint8(t))
}

// Valid key type
func (t Type) Valid() bool {
	return t < NumTypes
}

// IsObject tells if keys of this type designate an object, and must be prepared before use
func (t Type) IsObject() bool {
	switch t {
	case Node, Page, Start, Resume:
		return true
	default:
		return false
	}
}

// ObjectType is the type of object designated by keys of this type
func (t Type) ObjectType() disk.ObType {
	switch t {
	case Page:
		return disk.TypePage
	case Node, Start, Resume:
		return disk.TypeNode
	default:
		return disk.TypeFree
	}
}

// Perm holds permission and attribute bits of a key
type Perm uint8

// Permission bits
const (
	// ReadOnly keys cannot mutate their target
	ReadOnly Perm = 1 << iota
	// NoCall keys may not be used to call a process
	NoCall
	// Weak keys only fetch weakened keys
	Weak
)

// Has all bits of p
func (p Perm) Has(bits Perm) bool {
	return p&bits == bits
}

func (p Perm) String() string {
	s := []byte("---")
	if p.Has(ReadOnly) {
		s[0] = 'r'
	}
	if p.Has(NoCall) {
		s[1] = 'n'
	}
	if p.Has(Weak) {
		s[2] = 'w'
	}
	return string(s)
}

// DeviceType selects the kernel service behind a device key
type DeviceType uint16

// Device key subtypes
const (
	DeviceCheckpoint DeviceType = iota + 1
	DeviceRange
)

func (d DeviceType) String() string {
	switch d {
	case DeviceCheckpoint:
		return "checkpoint"
	case DeviceRange:
		return "range"
	default:
		return fmt.Sprintf("device(%d)", uint16(d))
	}
}

// Key is the value of a capability.
//
// Object keys carry the OID of their target with its allocation count, or the call
// count of the target process for resume keys. Number keys hold 96 bits in Count (low
// word) and OID (high words). Data is the key info of start keys, the subtype of device
// keys and the priority of schedule keys.
type Key struct {
	Type  Type
	Perms Perm
	Data  uint16
	Count disk.ObCount
	OID   disk.OID
}

// VoidKey is the zero key
var VoidKey = Key{}

// NewNumber builds a number key from three words
func NewNumber(w0, w1, w2 uint32) Key {
	return Key{
		Type:  Number,
		Count: disk.ObCount(w0),
		OID:   disk.OID(uint64(w2)<<32 | uint64(w1)),
	}
}

// NewObject builds a key to an object
func NewObject(t Type, oid disk.OID, count disk.ObCount, perms Perm) Key {
	return Key{Type: t, Perms: perms, OID: oid, Count: count}
}

// NewDevice builds a device key of some subtype
func NewDevice(d DeviceType) Key {
	return Key{Type: Device, Data: uint16(d)}
}

// NewSchedule builds a schedule key with some priority
func NewSchedule(priority uint16) Key {
	return Key{Type: Schedule, Data: priority}
}

// Words returns the value of a number key
func (k Key) Words() [3]uint32 {
	return [3]uint32{uint32(k.Count), uint32(uint64(k.OID)), uint32(uint64(k.OID) >> 32)}
}

// IsVoid tells if this is a void key
func (k Key) IsVoid() bool {
	return k.Type == Void
}

// DeviceType of a device key
func (k Key) DeviceType() DeviceType {
	return DeviceType(k.Data)
}

// Reduce returns a copy of the key with extra permission bits
func (k Key) Reduce(bits Perm) Key {
	k.Perms |= bits
	return k
}

// Same tells if two keys designate the same thing with the same rights
func (k Key) Same(other Key) bool {
	return k == other
}

// ToDisk converts a key to its disk form
func (k Key) ToDisk() disk.DiskKey {
	if !k.Type.Valid() {
		return disk.DiskKey{}
	}
	return disk.DiskKey{
		Type:  uint8(k.Type),
		Perms: uint8(k.Perms),
		Data:  k.Data,
		Count: k.Count,
		OID:   k.OID,
	}
}

// FromDisk converts the disk form of a key. Unknown key types decode as void keys.
func FromDisk(d disk.DiskKey) Key {
	t := Type(d.Type)
	if !t.Valid() {
		return VoidKey
	}
	k := Key{
		Type:  t,
		Perms: Perm(d.Perms),
		Data:  d.Data,
		Count: d.Count,
		OID:   d.OID,
	}
	if t == Void {
		return VoidKey
	}
	return k
}

func (k Key) String() string {
	switch {
	case k.Type == Void:
		return "void"
	case k.Type == Number:
		w := k.Words()
		return fmt.Sprintf("number(%#x,%#x,%#x)", w[0], w[1], w[2])
	case k.Type == Device:
		return fmt.Sprintf("device(%v)", k.DeviceType())
	case k.Type == Schedule:
		return fmt.Sprintf("schedule(%d)", k.Data)
	case k.Type.IsObject():
		return fmt.Sprintf("%v(%v,%d,%v)", k.Type, k.OID, k.Count, k.Perms)
	default:
		return k.Type.String()
	}
}
