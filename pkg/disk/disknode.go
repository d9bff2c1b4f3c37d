package disk

import (
	"encoding/binary"

	"github.com/oneconcern/capstore/pkg/disk/status"
)

// DiskKey is the unprepared form of a key, as stored in a disk node.
//
// Object keys carry the OID and allocation (or call) count of their target.
// Number keys store their 96 bits value in Count (low word) and OID (high words).
type DiskKey struct {
	Type  uint8
	Perms uint8
	Data  uint16
	Count ObCount
	OID   OID
}

func (k DiskKey) put(b []byte) {
	b[0] = k.Type
	b[1] = k.Perms
	binary.LittleEndian.PutUint16(b[2:], k.Data)
	binary.LittleEndian.PutUint32(b[4:], uint32(k.Count))
	binary.LittleEndian.PutUint64(b[8:], uint64(k.OID))
}

func getDiskKey(b []byte) DiskKey {
	return DiskKey{
		Type:  b[0],
		Perms: b[1],
		Data:  binary.LittleEndian.Uint16(b[2:]),
		Count: ObCount(binary.LittleEndian.Uint32(b[4:])),
		OID:   OID(binary.LittleEndian.Uint64(b[8:])),
	}
}

// DiskNode is the disk form of a node
type DiskNode struct {
	OID        OID
	AllocCount ObCount
	CallCount  ObCount
	Slots      [NodeSlots]DiskKey
}

// Put encodes the node into b, which must hold at least DiskNodeSize bytes
func (n *DiskNode) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], uint64(n.OID))
	binary.LittleEndian.PutUint32(b[8:], uint32(n.AllocCount))
	binary.LittleEndian.PutUint32(b[12:], uint32(n.CallCount))
	for i, k := range n.Slots {
		k.put(b[16+i*DiskKeySize:])
	}
}

// Get decodes a node from b
func (n *DiskNode) Get(b []byte) error {
	if len(b) < DiskNodeSize {
		return status.ErrShortBuffer
	}
	n.OID = OID(binary.LittleEndian.Uint64(b[0:]))
	n.AllocCount = ObCount(binary.LittleEndian.Uint32(b[8:]))
	n.CallCount = ObCount(binary.LittleEndian.Uint32(b[12:]))
	for i := range n.Slots {
		n.Slots[i] = getDiskKey(b[16+i*DiskKeySize:])
	}
	return nil
}

// PutNode stores a node at some index of a frame buffer
func PutNode(frame []byte, index uint, n *DiskNode) error {
	if index >= NodesPerFrame {
		return status.ErrBadObjectIndex.WrapMessage("node index %d", index)
	}
	if len(frame) < PageSize {
		return status.ErrShortBuffer
	}
	n.Put(frame[int(index)*DiskNodeSize:])
	return nil
}

// GetNode decodes the node stored at some index of a frame buffer
func GetNode(frame []byte, index uint) (DiskNode, error) {
	var n DiskNode
	if index >= NodesPerFrame {
		return n, status.ErrBadObjectIndex.WrapMessage("node index %d", index)
	}
	if len(frame) < PageSize {
		return n, status.ErrShortBuffer
	}
	err := n.Get(frame[int(index)*DiskNodeSize:])
	return n, err
}
