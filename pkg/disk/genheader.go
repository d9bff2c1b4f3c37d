package disk

import (
	"encoding/binary"

	"github.com/oneconcern/capstore/pkg/disk/status"
)

const (
	// GenHeaderMagic identifies a generation header frame
	GenHeaderMagic uint32 = 0x484e4547 // "GENH"

	// DirFrameMagic identifies a directory frame
	DirFrameMagic uint32 = 0x52494447 // "GDIR"

	// GenHeaderVersion is the current generation header layout version
	GenHeaderVersion = 1

	genHeaderChecksumOffset = 88
	dirFrameChecksumOffset  = 24
	dirFrameHeaderSize      = dirFrameChecksumOffset + ChecksumSize

	// ObjectDescriptorSize is the disk size of an object directory entry
	ObjectDescriptorSize = 32

	// ProcessDescriptorSize is the disk size of a process directory entry
	ProcessDescriptorSize = 16

	// ObjectsPerDirFrame is the number of object descriptors in a directory frame
	ObjectsPerDirFrame = (PageSize - dirFrameHeaderSize) / ObjectDescriptorSize

	// ProcessesPerDirFrame is the number of process descriptors in a directory frame
	ProcessesPerDirFrame = (PageSize - dirFrameHeaderSize) / ProcessDescriptorSize
)

// DirKind tells which directory a directory frame belongs to
type DirKind uint8

// Directory kinds
const (
	DirObjects DirKind = iota + 1
	DirProcesses
)

// ObjectDescriptor locates the version of an object captured by a generation
type ObjectDescriptor struct {
	OID        OID
	AllocCount ObCount
	CallCount  ObCount
	LID        LID
	Type       ObType
}

// ProcessDescriptor lists a process that was active when a generation was demarcated
type ProcessDescriptor struct {
	OID       OID
	CallCount ObCount
	State     uint8
}

// DirRef locates a directory in the log
type DirRef struct {
	Count  uint32
	Frames uint32
	First  LID
}

// GenerationHeader describes a generation written to the log
type GenerationHeader struct {
	Generation         uint64
	MigratedGeneration uint64
	FirstLID           LID
	LastLID            LID
	DemarcationTime    uint64
	Processes          DirRef
	Objects            DirRef
}

// MarshalBinary encodes a generation header frame
func (h GenerationHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:], GenHeaderMagic)
	binary.LittleEndian.PutUint32(buf[4:], GenHeaderVersion)
	binary.LittleEndian.PutUint64(buf[8:], h.Generation)
	binary.LittleEndian.PutUint64(buf[16:], h.MigratedGeneration)
	binary.LittleEndian.PutUint64(buf[24:], uint64(h.FirstLID))
	binary.LittleEndian.PutUint64(buf[32:], uint64(h.LastLID))
	binary.LittleEndian.PutUint64(buf[40:], h.DemarcationTime)
	putDirRef(buf[48:], h.Processes)
	putDirRef(buf[64:], h.Objects)
	seal(buf, genHeaderChecksumOffset)
	return buf, nil
}

// UnmarshalBinary decodes and checks a generation header frame
func (h *GenerationHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < PageSize {
		return status.ErrShortBuffer
	}
	buf = buf[:PageSize]
	if binary.LittleEndian.Uint32(buf[0:]) != GenHeaderMagic {
		return status.ErrBadMagic.WrapMessage("generation header")
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != GenHeaderVersion {
		return status.ErrBadVersion.WrapMessage("generation header version %d", v)
	}
	if !verify(buf, genHeaderChecksumOffset) {
		return status.ErrChecksum.WrapMessage("generation header")
	}
	h.Generation = binary.LittleEndian.Uint64(buf[8:])
	h.MigratedGeneration = binary.LittleEndian.Uint64(buf[16:])
	h.FirstLID = LID(binary.LittleEndian.Uint64(buf[24:]))
	h.LastLID = LID(binary.LittleEndian.Uint64(buf[32:]))
	h.DemarcationTime = binary.LittleEndian.Uint64(buf[40:])
	h.Processes = getDirRef(buf[48:])
	h.Objects = getDirRef(buf[64:])
	return nil
}

func putDirRef(b []byte, r DirRef) {
	binary.LittleEndian.PutUint32(b[0:], r.Count)
	binary.LittleEndian.PutUint32(b[4:], r.Frames)
	binary.LittleEndian.PutUint64(b[8:], uint64(r.First))
}

func getDirRef(b []byte) DirRef {
	return DirRef{
		Count:  binary.LittleEndian.Uint32(b[0:]),
		Frames: binary.LittleEndian.Uint32(b[4:]),
		First:  LID(binary.LittleEndian.Uint64(b[8:])),
	}
}

// DirFramesFor returns the number of directory frames needed to hold n entries of some kind
func DirFramesFor(kind DirKind, n int) int {
	per := ObjectsPerDirFrame
	if kind == DirProcesses {
		per = ProcessesPerDirFrame
	}
	return (n + per - 1) / per
}

// EncodeObjectDir splits an object directory into directory frames
func EncodeObjectDir(generation uint64, entries []ObjectDescriptor) [][]byte {
	frames := make([][]byte, 0, DirFramesFor(DirObjects, len(entries)))
	for start := 0; start < len(entries); start += ObjectsPerDirFrame {
		end := start + ObjectsPerDirFrame
		if end > len(entries) {
			end = len(entries)
		}
		buf := newDirFrame(DirObjects, generation, end-start)
		for i, e := range entries[start:end] {
			b := buf[dirFrameHeaderSize+i*ObjectDescriptorSize:]
			binary.LittleEndian.PutUint64(b[0:], uint64(e.OID))
			binary.LittleEndian.PutUint32(b[8:], uint32(e.AllocCount))
			binary.LittleEndian.PutUint32(b[12:], uint32(e.CallCount))
			binary.LittleEndian.PutUint64(b[16:], uint64(e.LID))
			b[24] = byte(e.Type)
		}
		seal(buf, dirFrameChecksumOffset)
		frames = append(frames, buf)
	}
	return frames
}

// EncodeProcessDir splits a process directory into directory frames
func EncodeProcessDir(generation uint64, entries []ProcessDescriptor) [][]byte {
	frames := make([][]byte, 0, DirFramesFor(DirProcesses, len(entries)))
	for start := 0; start < len(entries); start += ProcessesPerDirFrame {
		end := start + ProcessesPerDirFrame
		if end > len(entries) {
			end = len(entries)
		}
		buf := newDirFrame(DirProcesses, generation, end-start)
		for i, e := range entries[start:end] {
			b := buf[dirFrameHeaderSize+i*ProcessDescriptorSize:]
			binary.LittleEndian.PutUint64(b[0:], uint64(e.OID))
			binary.LittleEndian.PutUint32(b[8:], uint32(e.CallCount))
			b[12] = e.State
		}
		seal(buf, dirFrameChecksumOffset)
		frames = append(frames, buf)
	}
	return frames
}

func newDirFrame(kind DirKind, generation uint64, count int) []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:], DirFrameMagic)
	buf[4] = byte(kind)
	binary.LittleEndian.PutUint64(buf[8:], generation)
	binary.LittleEndian.PutUint32(buf[16:], uint32(count))
	return buf
}

func checkDirFrame(buf []byte, kind DirKind, generation uint64) (int, error) {
	if len(buf) < PageSize {
		return 0, status.ErrShortBuffer
	}
	buf = buf[:PageSize]
	if binary.LittleEndian.Uint32(buf[0:]) != DirFrameMagic || DirKind(buf[4]) != kind {
		return 0, status.ErrBadMagic.WrapMessage("directory frame")
	}
	if !verify(buf, dirFrameChecksumOffset) {
		return 0, status.ErrChecksum.WrapMessage("directory frame")
	}
	if g := binary.LittleEndian.Uint64(buf[8:]); g != generation {
		return 0, status.ErrChecksum.WrapMessage("directory frame of generation %d found in generation %d", g, generation)
	}
	return int(binary.LittleEndian.Uint32(buf[16:])), nil
}

// DecodeObjectDir decodes an object directory frame, checking that it belongs to the expected generation
func DecodeObjectDir(buf []byte, generation uint64) ([]ObjectDescriptor, error) {
	n, err := checkDirFrame(buf, DirObjects, generation)
	if err != nil {
		return nil, err
	}
	if n > ObjectsPerDirFrame {
		return nil, status.ErrShortBuffer
	}
	entries := make([]ObjectDescriptor, n)
	for i := range entries {
		b := buf[dirFrameHeaderSize+i*ObjectDescriptorSize:]
		entries[i] = ObjectDescriptor{
			OID:        OID(binary.LittleEndian.Uint64(b[0:])),
			AllocCount: ObCount(binary.LittleEndian.Uint32(b[8:])),
			CallCount:  ObCount(binary.LittleEndian.Uint32(b[12:])),
			LID:        LID(binary.LittleEndian.Uint64(b[16:])),
			Type:       ObType(b[24]),
		}
	}
	return entries, nil
}

// DecodeProcessDir decodes a process directory frame, checking that it belongs to the expected generation
func DecodeProcessDir(buf []byte, generation uint64) ([]ProcessDescriptor, error) {
	n, err := checkDirFrame(buf, DirProcesses, generation)
	if err != nil {
		return nil, err
	}
	if n > ProcessesPerDirFrame {
		return nil, status.ErrShortBuffer
	}
	entries := make([]ProcessDescriptor, n)
	for i := range entries {
		b := buf[dirFrameHeaderSize+i*ProcessDescriptorSize:]
		entries[i] = ProcessDescriptor{
			OID:       OID(binary.LittleEndian.Uint64(b[0:])),
			CallCount: ObCount(binary.LittleEndian.Uint32(b[8:])),
			State:     b[12],
		}
	}
	return entries, nil
}
