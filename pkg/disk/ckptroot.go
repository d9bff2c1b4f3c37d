package disk

import (
	"encoding/binary"

	"github.com/oneconcern/capstore/pkg/disk/status"
)

const (
	// RootMagic identifies a checkpoint root frame
	RootMagic uint32 = 0x54524b43 // "CKRT"

	// RootVersion is the current checkpoint root layout version
	RootVersion = 1

	// IntegrityByte is stored in every valid checkpoint root
	IntegrityByte = 0x5a

	// MaxUnmigratedGenerations bounds the number of generations a root may list
	MaxUnmigratedGenerations = 20

	// LogFirstFrame is the first frame of the circular log, after both root slots
	LogFirstFrame = 2

	rootGenerationsOffset = 48
	rootChecksumOffset    = rootGenerationsOffset + 8*MaxUnmigratedGenerations
	rootSequenceOffset    = rootChecksumOffset + ChecksumSize
	rootTrailerOffset     = PageSize - 8
)

// RootSlots are the log locations of both checkpoint root slots
var RootSlots = [2]LID{FrameLID(0), FrameLID(1)}

// CheckpointRoot is the durable entry point to the most recent stable generation
type CheckpointRoot struct {
	Generation         uint64
	MigratedGeneration uint64
	EndLog             LID // first log location not used by any listed generation
	MaxNPCount         ObCount
	// Sequence increases with every root written: checkpoints and migrations
	Sequence uint64
	// Generations lists the headers of un-migrated generations, oldest first
	Generations []LID
}

// MarshalBinary encodes a checkpoint root frame
func (r CheckpointRoot) MarshalBinary() ([]byte, error) {
	if len(r.Generations) > MaxUnmigratedGenerations {
		return nil, status.ErrTooManyGenerations
	}
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:], RootMagic)
	binary.LittleEndian.PutUint32(buf[4:], RootVersion)
	buf[8] = IntegrityByte
	binary.LittleEndian.PutUint64(buf[16:], r.Generation)
	binary.LittleEndian.PutUint64(buf[24:], r.MigratedGeneration)
	binary.LittleEndian.PutUint64(buf[32:], uint64(r.EndLog))
	binary.LittleEndian.PutUint32(buf[40:], uint32(r.MaxNPCount))
	binary.LittleEndian.PutUint32(buf[44:], uint32(len(r.Generations)))
	for i := 0; i < MaxUnmigratedGenerations; i++ {
		lid := UnusedLID
		if i < len(r.Generations) {
			lid = r.Generations[i]
		}
		binary.LittleEndian.PutUint64(buf[rootGenerationsOffset+8*i:], uint64(lid))
	}
	binary.LittleEndian.PutUint64(buf[rootSequenceOffset:], r.Sequence)
	binary.LittleEndian.PutUint64(buf[rootTrailerOffset:], r.Generation)
	seal(buf, rootChecksumOffset)
	return buf, nil
}

// UnmarshalBinary decodes and validates a checkpoint root frame
func (r *CheckpointRoot) UnmarshalBinary(buf []byte) error {
	if len(buf) < PageSize {
		return status.ErrShortBuffer
	}
	buf = buf[:PageSize]
	if binary.LittleEndian.Uint32(buf[0:]) != RootMagic {
		return status.ErrBadMagic.WrapMessage("checkpoint root")
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != RootVersion {
		return status.ErrBadVersion.WrapMessage("checkpoint root version %d", v)
	}
	if buf[8] != IntegrityByte {
		return status.ErrChecksum.WrapMessage("checkpoint root integrity byte %#x", buf[8])
	}
	gen := binary.LittleEndian.Uint64(buf[16:])
	if check := binary.LittleEndian.Uint64(buf[rootTrailerOffset:]); check != gen {
		return status.ErrTornRoot.WrapMessage("generation %d, trailer %d", gen, check)
	}
	if !verify(buf, rootChecksumOffset) {
		return status.ErrChecksum.WrapMessage("checkpoint root")
	}
	n := binary.LittleEndian.Uint32(buf[44:])
	if n > MaxUnmigratedGenerations {
		return status.ErrTooManyGenerations
	}
	r.Generation = gen
	r.MigratedGeneration = binary.LittleEndian.Uint64(buf[24:])
	r.EndLog = LID(binary.LittleEndian.Uint64(buf[32:]))
	r.MaxNPCount = ObCount(binary.LittleEndian.Uint32(buf[40:]))
	r.Sequence = binary.LittleEndian.Uint64(buf[rootSequenceOffset:])
	r.Generations = make([]LID, n)
	for i := range r.Generations {
		r.Generations[i] = LID(binary.LittleEndian.Uint64(buf[rootGenerationsOffset+8*i:]))
	}
	return nil
}

func (r CheckpointRoot) newerThan(o CheckpointRoot) bool {
	if r.Sequence != o.Sequence {
		return r.Sequence > o.Sequence
	}
	return r.Generation > o.Generation
}

// SelectRoot decodes both root slots and returns the most recently written valid root,
// together with its slot index. Roots are ordered by sequence, then by generation.
func SelectRoot(slot0, slot1 []byte) (CheckpointRoot, int, error) {
	var roots [2]CheckpointRoot
	var valid [2]bool
	var errs [2]error
	for i, buf := range [][]byte{slot0, slot1} {
		if buf == nil {
			continue
		}
		errs[i] = roots[i].UnmarshalBinary(buf)
		valid[i] = errs[i] == nil
	}
	switch {
	case valid[0] && valid[1]:
		if roots[1].newerThan(roots[0]) {
			return roots[1], 1, nil
		}
		return roots[0], 0, nil
	case valid[0]:
		return roots[0], 0, nil
	case valid[1]:
		return roots[1], 1, nil
	default:
		cause := errs[0]
		if cause == nil {
			cause = errs[1]
		}
		return CheckpointRoot{}, -1, status.ErrNoValidRoot.Wrap(cause)
	}
}
