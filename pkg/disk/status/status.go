// Package status declares error constants returned by the disk layout codec.
package status

import "github.com/oneconcern/capstore/pkg/errors"

var (
	// ErrShortBuffer indicates that a buffer is too small for the structure being decoded
	ErrShortBuffer = errors.New("short buffer")

	// ErrBadMagic indicates that a structure does not start with the expected signature
	ErrBadMagic = errors.New("bad magic")

	// ErrBadVersion indicates an unsupported layout version
	ErrBadVersion = errors.New("unsupported layout version")

	// ErrChecksum indicates that a structure failed its integrity check
	ErrChecksum = errors.New("checksum mismatch")

	// ErrTornRoot indicates that the leading and trailing generation numbers of a checkpoint root disagree
	ErrTornRoot = errors.New("torn checkpoint root")

	// ErrNoValidRoot indicates that neither checkpoint root slot holds a valid root
	ErrNoValidRoot = errors.New("no valid checkpoint root")

	// ErrBadDivision indicates an inconsistent division table
	ErrBadDivision = errors.New("invalid division table")

	// ErrTooManyDivisions indicates that the division table is full
	ErrTooManyDivisions = errors.New("too many divisions")

	// ErrTooManyGenerations indicates that a root would list more un-migrated generations than it can hold
	ErrTooManyGenerations = errors.New("too many un-migrated generations")

	// ErrCorruptPot indicates a tag pot that does not decode to a consistent state
	ErrCorruptPot = errors.New("corrupt tag pot")

	// ErrBadObjectIndex indicates an object index out of range for its frame type
	ErrBadObjectIndex = errors.New("object index out of range")
)
