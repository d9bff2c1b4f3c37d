package disk

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/oneconcern/capstore/pkg/disk/status"
)

// DivType is the type of a division
type DivType uint8

// Division types
const (
	DivUnused DivType = iota
	DivBoot
	DivTable
	DivObject
	DivLog
	DivKernel
	DivSpare
)

func (t DivType) String() string {
	switch t {
	case DivUnused:
		return "unused"
	case DivBoot:
		return "boot"
	case DivTable:
		return "divtable"
	case DivObject:
		return "object"
	case DivLog:
		return "log"
	case DivKernel:
		return "kernel"
	case DivSpare:
		return "spare"
	default:
		return fmt.Sprintf("div(%d)", uint8(t))
	}
}

const (
	// MaxDivisions is the capacity of a division table
	MaxDivisions = 64

	divEntrySize = 32

	// DivTableSectors is the number of sectors occupied by a division table
	DivTableSectors = MaxDivisions * divEntrySize / SectorSize

	// ClusterFrames is the footprint of a cluster: one tag pot plus its data frames
	ClusterFrames = FramesPerCluster + 1
)

// Division describes a contiguous run of sectors. Start is inclusive, End exclusive.
//
// For object divisions, StartOID is the OID of the first data frame. For log divisions
// it is unused: LIDs are relative to the division.
type Division struct {
	Type     DivType
	Flags    uint8
	Start    uint32
	End      uint32
	StartOID OID
}

// Frames is the number of frames in the division
func (d Division) Frames() uint64 {
	return uint64(d.End-d.Start) / SectorsPerFrame
}

// Clusters is the number of tag pot clusters of an object division
func (d Division) Clusters() uint64 {
	return d.Frames() / ClusterFrames
}

// EndOID is the first OID past the range covered by an object division
func (d Division) EndOID() OID {
	return d.StartOID + FrameOID(d.Clusters()*FramesPerCluster)
}

// Contains tells if an object division covers this OID
func (d Division) Contains(oid OID) bool {
	return d.Type == DivObject && oid >= d.StartOID && oid < d.EndOID()
}

// FrameSector returns the first sector of a frame, relative to the division
func (d Division) FrameSector(frame uint64) uint64 {
	return uint64(d.Start) + frame*SectorsPerFrame
}

func (d Division) String() string {
	if d.Type == DivObject {
		return fmt.Sprintf("%s [%d,%d) oids [%s,%s)", d.Type, d.Start, d.End, d.StartOID, d.EndOID())
	}
	return fmt.Sprintf("%s [%d,%d)", d.Type, d.Start, d.End)
}

// ObjectLoc locates an object in an object division
type ObjectLoc struct {
	// Pot is the frame holding the tag pot, relative to the division
	Pot uint64
	// Frame is the data frame, relative to the division
	Frame uint64
	// Slot is the index of the frame in the tag pot
	Slot int
}

// Locate maps an OID to the frames that store it in an object division
func (d Division) Locate(oid OID) (ObjectLoc, bool) {
	if !d.Contains(oid) {
		return ObjectLoc{}, false
	}
	rel := (oid - d.StartOID).Frame()
	cluster := rel / FramesPerCluster
	slot := rel % FramesPerCluster
	pot := cluster * ClusterFrames
	return ObjectLoc{Pot: pot, Frame: pot + 1 + slot, Slot: int(slot)}, true
}

// ClusterOID returns the first OID of a cluster in an object division
func (d Division) ClusterOID(cluster uint64) OID {
	return d.StartOID + FrameOID(cluster*FramesPerCluster)
}

// DivisionTable is the list of divisions of a volume
type DivisionTable []Division

// MarshalBinary encodes the division table on DivTableSectors sectors
func (t DivisionTable) MarshalBinary() ([]byte, error) {
	if len(t) > MaxDivisions {
		return nil, status.ErrTooManyDivisions
	}
	buf := make([]byte, DivTableSectors*SectorSize)
	for i, d := range t {
		e := buf[i*divEntrySize:]
		e[0] = byte(d.Type)
		e[1] = d.Flags
		binary.LittleEndian.PutUint32(e[4:], d.Start)
		binary.LittleEndian.PutUint32(e[8:], d.End)
		binary.LittleEndian.PutUint64(e[16:], uint64(d.StartOID))
	}
	return buf, nil
}

// UnmarshalBinary decodes a division table, skipping unused entries
func (t *DivisionTable) UnmarshalBinary(buf []byte) error {
	if len(buf) < DivTableSectors*SectorSize {
		return status.ErrShortBuffer
	}
	table := make(DivisionTable, 0, 8)
	for i := 0; i < MaxDivisions; i++ {
		e := buf[i*divEntrySize:]
		if DivType(e[0]) == DivUnused {
			continue
		}
		table = append(table, Division{
			Type:     DivType(e[0]),
			Flags:    e[1],
			Start:    binary.LittleEndian.Uint32(e[4:]),
			End:      binary.LittleEndian.Uint32(e[8:]),
			StartOID: OID(binary.LittleEndian.Uint64(e[16:])),
		})
	}
	*t = table
	return nil
}

// Validate checks that divisions do not overlap, on disk nor in OID space
func (t DivisionTable) Validate() error {
	sorted := make(DivisionTable, len(t))
	copy(sorted, t)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var logs int
	for i, d := range sorted {
		if d.End <= d.Start {
			return status.ErrBadDivision.WrapMessage("empty division %v", d)
		}
		if i > 0 && sorted[i-1].End > d.Start {
			return status.ErrBadDivision.WrapMessage("division %v overlaps %v", d, sorted[i-1])
		}
		switch d.Type {
		case DivObject:
			if (d.End-d.Start)%SectorsPerFrame != 0 || d.Clusters() == 0 {
				return status.ErrBadDivision.WrapMessage("object division %v is not made of whole frames", d)
			}
			if d.StartOID.Index() != 0 || d.EndOID() > FirstNonPersistentOID {
				return status.ErrBadDivision.WrapMessage("object division %v has an invalid OID range", d)
			}
		case DivLog:
			logs++
			if (d.End-d.Start)%SectorsPerFrame != 0 || d.Frames() <= LogFirstFrame {
				return status.ErrBadDivision.WrapMessage("log division %v is too small", d)
			}
		}
	}
	if logs > 1 {
		return status.ErrBadDivision.WrapMessage("more than one log division")
	}

	objects := t.Objects()
	sort.Slice(objects, func(i, j int) bool { return objects[i].StartOID < objects[j].StartOID })
	for i := 1; i < len(objects); i++ {
		if objects[i-1].EndOID() > objects[i].StartOID {
			return status.ErrBadDivision.WrapMessage("OID range of %v overlaps %v", objects[i], objects[i-1])
		}
	}
	return nil
}

// Objects returns the object divisions
func (t DivisionTable) Objects() DivisionTable {
	res := make(DivisionTable, 0, len(t))
	for _, d := range t {
		if d.Type == DivObject {
			res = append(res, d)
		}
	}
	return res
}

// Log returns the log division
func (t DivisionTable) Log() (Division, bool) {
	for _, d := range t {
		if d.Type == DivLog {
			return d, true
		}
	}
	return Division{}, false
}

// FindObject returns the object division covering an OID
func (t DivisionTable) FindObject(oid OID) (Division, bool) {
	for _, d := range t {
		if d.Contains(oid) {
			return d, true
		}
	}
	return Division{}, false
}

// Add a division to the table, after checking consistency
func (t DivisionTable) Add(d Division) (DivisionTable, error) {
	if len(t) >= MaxDivisions {
		return t, status.ErrTooManyDivisions
	}
	res := append(append(DivisionTable{}, t...), d)
	if err := res.Validate(); err != nil {
		return t, err
	}
	return res, nil
}

// Remove the division at index i
func (t DivisionTable) Remove(i int) DivisionTable {
	if i < 0 || i >= len(t) {
		return t
	}
	res := make(DivisionTable, 0, len(t)-1)
	res = append(res, t[:i]...)
	return append(res, t[i+1:]...)
}
