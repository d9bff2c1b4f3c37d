// Copyright © 2018 One Concern

package storage

import (
	"context"
)

// SectorSize is the addressing unit of devices
const SectorSize = 512

// Device implementations know how to read and write whole sectors of a volume.
//
// Typically this is a file or a raw disk. Implementations of this interface are assumed
// to be fairly simple: no caching, no reordering beyond what Sync guarantees.
//
// Writes become durable only after Sync returns.
type Device interface {
	String() string
	// ReadAt fills buf from the sectors starting at sector
	ReadAt(ctx context.Context, buf []byte, sector uint64) error
	// WriteAt writes buf to the sectors starting at sector
	WriteAt(ctx context.Context, buf []byte, sector uint64) error
	// Sync makes all previous writes durable
	Sync(context.Context) error
	// Sectors is the size of the device
	Sectors() uint64
	Close() error
}

// CheckRange verifies that an IO of n bytes at some sector is aligned and within a device of some size
func CheckRange(n int, sector, sectors uint64) error {
	if n%SectorSize != 0 {
		return errUnaligned(n)
	}
	if sector+uint64(n/SectorSize) > sectors {
		return errOutOfRange(sector, n)
	}
	return nil
}
