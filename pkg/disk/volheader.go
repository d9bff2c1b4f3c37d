package disk

import (
	"encoding/binary"

	"github.com/oneconcern/capstore/pkg/disk/status"
)

// VolumeMagic identifies a capstore volume
var VolumeMagic = [4]byte{'C', 'A', 'P', 'V'}

// VolumeVersion is the current volume header layout version
const VolumeVersion = 1

// Boot flags
const (
	// BootRestart requests the kernel to restart from the last checkpoint
	BootRestart uint32 = 1 << iota
	// BootHasKernel tells that a kernel division is present
	BootHasKernel
)

const volHeaderChecksumOffset = 40

// VolHeader is stored in the first sector of a volume
type VolHeader struct {
	PageSize    uint32
	DivTable    uint32 // sector of the primary division table
	AltDivTable uint32 // sector of the alternate division table, 0 if none
	BootFlags   uint32
	BootSectors uint32
	SystemID    uint64
}

// MarshalBinary encodes a volume header as one sector
func (h VolHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SectorSize)
	copy(buf[0:4], VolumeMagic[:])
	binary.LittleEndian.PutUint32(buf[4:], VolumeVersion)
	binary.LittleEndian.PutUint32(buf[8:], h.PageSize)
	binary.LittleEndian.PutUint32(buf[12:], h.DivTable)
	binary.LittleEndian.PutUint32(buf[16:], h.AltDivTable)
	binary.LittleEndian.PutUint32(buf[20:], h.BootFlags)
	binary.LittleEndian.PutUint32(buf[24:], h.BootSectors)
	binary.LittleEndian.PutUint64(buf[32:], h.SystemID)
	seal(buf, volHeaderChecksumOffset)
	return buf, nil
}

// UnmarshalBinary decodes and checks a volume header
func (h *VolHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < SectorSize {
		return status.ErrShortBuffer
	}
	buf = buf[:SectorSize]
	if string(buf[0:4]) != string(VolumeMagic[:]) {
		return status.ErrBadMagic.WrapMessage("volume header")
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != VolumeVersion {
		return status.ErrBadVersion.WrapMessage("volume header version %d", v)
	}
	if !verify(buf, volHeaderChecksumOffset) {
		return status.ErrChecksum.WrapMessage("volume header")
	}
	h.PageSize = binary.LittleEndian.Uint32(buf[8:])
	h.DivTable = binary.LittleEndian.Uint32(buf[12:])
	h.AltDivTable = binary.LittleEndian.Uint32(buf[16:])
	h.BootFlags = binary.LittleEndian.Uint32(buf[20:])
	h.BootSectors = binary.LittleEndian.Uint32(buf[24:])
	h.SystemID = binary.LittleEndian.Uint64(buf[32:])
	if h.PageSize != PageSize {
		return status.ErrBadVersion.WrapMessage("page size %d", h.PageSize)
	}
	return nil
}
