package disk

import (
	"fmt"
)

const (
	// SectorSize is the unit of addressing on a volume
	SectorSize = 512

	// PageSize is the size of a frame, which holds a page or a few nodes
	PageSize = 4096

	// SectorsPerFrame is the number of sectors in a frame
	SectorsPerFrame = PageSize / SectorSize

	// ObjectsPerFrame is the OID (and LID) stride of a frame
	ObjectsPerFrame = 256

	// NodeSlots is the number of key slots in a node
	NodeSlots = 32

	// DiskKeySize is the size of the disk form of a key
	DiskKeySize = 16

	// DiskNodeSize is the size of the disk form of a node
	DiskNodeSize = 16 + NodeSlots*DiskKeySize

	// NodesPerFrame is the number of nodes packed in a node frame
	NodesPerFrame = PageSize / DiskNodeSize

	// FramesPerCluster is the number of data frames described by one tag pot
	FramesPerCluster = 128
)

// OID space partition
const (
	// FirstNonPersistentOID starts the range of objects which are never checkpointed
	FirstNonPersistentOID OID = 1 << 56

	// FirstPhysOID starts the range of objects backed by physical memory frames
	FirstPhysOID OID = 1 << 60

	// MaxOID is the largest valid OID
	MaxOID OID = 1<<64 - 1
)

// OID is the stable 64-bit identity of an object
type OID uint64

// LID is a location in the checkpoint log
type LID uint64

// ObCount is a version counter: allocation count or call count
type ObCount uint32

// FrameOID returns the first OID of a frame
func FrameOID(frame uint64) OID {
	return OID(frame * ObjectsPerFrame)
}

// Frame is the frame number holding this object
func (o OID) Frame() uint64 {
	return uint64(o) / ObjectsPerFrame
}

// Index of this object within its frame
func (o OID) Index() uint {
	return uint(uint64(o) % ObjectsPerFrame)
}

// IsPersistent tells if this object is captured by checkpoints
func (o OID) IsPersistent() bool {
	return o < FirstNonPersistentOID
}

// IsPhysical tells if this object is backed by a physical memory frame
func (o OID) IsPhysical() bool {
	return o >= FirstPhysOID
}

func (o OID) String() string {
	return fmt.Sprintf("%#x", uint64(o))
}

// FrameLID returns the first LID of a log frame
func FrameLID(frame uint64) LID {
	return LID(frame * ObjectsPerFrame)
}

// Frame is the log frame number of this location
func (l LID) Frame() uint64 {
	return uint64(l) / ObjectsPerFrame
}

// Index of an object within a log frame
func (l LID) Index() uint {
	return uint(uint64(l) % ObjectsPerFrame)
}

func (l LID) String() string {
	return fmt.Sprintf("%#x", uint64(l))
}

// UnusedLID marks an unused generation slot in a checkpoint root
const UnusedLID LID = 1<<64 - 1

// ObType is the type of a frame or object, as recorded in tag pots and directories
type ObType uint8

// Object and frame types
const (
	TypeFree ObType = iota
	TypePage
	TypeNode
)

func (t ObType) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypePage:
		return "page"
	case TypeNode:
		return "node"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Valid tells if the index of an OID is legal for this type of object
func (t ObType) Valid(index uint) bool {
	switch t {
	case TypePage:
		return index == 0
	case TypeNode:
		return index < NodesPerFrame
	default:
		return false
	}
}
