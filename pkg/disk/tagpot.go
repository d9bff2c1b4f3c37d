package disk

import (
	"encoding/binary"
	"math/bits"

	"github.com/oneconcern/capstore/pkg/disk/status"
)

// PotMagic identifies a formatted tag pot frame
const PotMagic uint32 = 0x544f5054 // "TPOT"

const (
	potHeaderSize = 8
	potEntrySize  = 6

	fullNodeMask = 1<<NodesPerFrame - 1
)

// PotEntry records the type and count of one data frame.
//
// For a page frame, Count is the allocation count of the page. For a node frame, Count
// is the highest allocation count of the nodes it holds, and Flags is the bitmap of
// allocated nodes. A free frame keeps the count of its last occupant.
type PotEntry struct {
	Count ObCount
	Type  ObType
	Flags uint8
}

// TagPot describes a cluster of FramesPerCluster data frames
type TagPot struct {
	Entries   [FramesPerCluster]PotEntry
	nFree     uint16
	nodeSpace uint16
}

// NewTagPot returns a tag pot with all frames free
func NewTagPot() *TagPot {
	p := &TagPot{}
	p.recount()
	return p
}

// HasFree tells in constant time if an object of type t may be allocated in this cluster
func (p *TagPot) HasFree(t ObType) bool {
	return p.nFree > 0 || (t == TypeNode && p.nodeSpace > 0)
}

// FreeFrames is the number of entirely free frames
func (p *TagPot) FreeFrames() int {
	return int(p.nFree)
}

// Allocate marks a free object of type t as allocated.
//
// It returns the frame slot, the index of the object in the frame and the new
// allocation count, which is always greater than any count issued before for this object.
func (p *TagPot) Allocate(t ObType) (slot int, index uint, count ObCount, ok bool) {
	if !p.HasFree(t) {
		return 0, 0, 0, false
	}
	slot = -1
	if t == TypeNode && p.nodeSpace > 0 {
		for i := range p.Entries {
			e := &p.Entries[i]
			if e.Type == TypeNode && e.Flags != fullNodeMask {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		for i := range p.Entries {
			if p.Entries[i].Type == TypeFree {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		return 0, 0, 0, false
	}

	e := &p.Entries[slot]
	switch t {
	case TypeNode:
		index = uint(bits.TrailingZeros8(^e.Flags))
	case TypePage:
		index = 0
	default:
		return 0, 0, 0, false
	}
	e.Type = t
	e.Flags |= 1 << index
	e.Count++
	count = e.Count
	p.recount()
	return slot, index, count, true
}

// Release marks an object as free. The count is the last count of the object, so
// that the next allocation issues a greater one.
func (p *TagPot) Release(slot int, index uint, count ObCount) {
	e := &p.Entries[slot]
	e.Flags &^= 1 << index
	if count > e.Count {
		e.Count = count
	}
	if e.Flags == 0 {
		e.Type = TypeFree
	}
	p.recount()
}

// Record sets the entry of a frame from an object written to its home location
func (p *TagPot) Record(slot int, index uint, t ObType, count ObCount) {
	e := &p.Entries[slot]
	if e.Type != t {
		e.Flags = 0
	}
	e.Type = t
	e.Flags |= 1 << index
	if count > e.Count {
		e.Count = count
	}
	p.recount()
}

// Allocated tells if an object is marked allocated in this pot
func (p *TagPot) Allocated(slot int, index uint) bool {
	e := p.Entries[slot]
	return e.Type != TypeFree && e.Flags&(1<<index) != 0
}

func (p *TagPot) recount() {
	var free, space uint16
	for _, e := range p.Entries {
		switch e.Type {
		case TypeFree:
			free++
		case TypeNode:
			space += uint16(NodesPerFrame - bits.OnesCount8(e.Flags))
		}
	}
	p.nFree = free
	p.nodeSpace = space
}

// MarshalBinary encodes a tag pot frame
func (p *TagPot) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:], PotMagic)
	binary.LittleEndian.PutUint16(buf[4:], p.nFree)
	binary.LittleEndian.PutUint16(buf[6:], p.nodeSpace)
	for i, e := range p.Entries {
		b := buf[potHeaderSize+i*potEntrySize:]
		binary.LittleEndian.PutUint32(b, uint32(e.Count))
		b[4] = byte(e.Type)
		b[5] = e.Flags
	}
	return buf, nil
}

// UnmarshalBinary decodes a tag pot frame and checks its free space accounting
func (p *TagPot) UnmarshalBinary(buf []byte) error {
	if len(buf) < potHeaderSize+FramesPerCluster*potEntrySize {
		return status.ErrShortBuffer
	}
	if binary.LittleEndian.Uint32(buf[0:]) != PotMagic {
		return status.ErrBadMagic.WrapMessage("tag pot")
	}
	for i := range p.Entries {
		b := buf[potHeaderSize+i*potEntrySize:]
		e := PotEntry{
			Count: ObCount(binary.LittleEndian.Uint32(b)),
			Type:  ObType(b[4]),
			Flags: b[5],
		}
		switch e.Type {
		case TypeFree:
			if e.Flags != 0 {
				return status.ErrCorruptPot.WrapMessage("free frame %d has allocated objects", i)
			}
		case TypePage:
			if e.Flags != 1 {
				return status.ErrCorruptPot.WrapMessage("page frame %d has flags %#x", i, e.Flags)
			}
		case TypeNode:
			if e.Flags == 0 || e.Flags&^fullNodeMask != 0 {
				return status.ErrCorruptPot.WrapMessage("node frame %d has flags %#x", i, e.Flags)
			}
		default:
			return status.ErrCorruptPot.WrapMessage("frame %d has type %v", i, e.Type)
		}
		p.Entries[i] = e
	}
	nFree := binary.LittleEndian.Uint16(buf[4:])
	nodeSpace := binary.LittleEndian.Uint16(buf[6:])
	p.recount()
	if nFree != p.nFree || nodeSpace != p.nodeSpace {
		return status.ErrCorruptPot.WrapMessage("free space accounting (%d,%d) disagrees with entries (%d,%d)",
			nFree, nodeSpace, p.nFree, p.nodeSpace)
	}
	return nil
}
