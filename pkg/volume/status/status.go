// Package status declares error constants returned by volumes.
package status

import "github.com/oneconcern/capstore/pkg/errors"

var (
	// ErrNoLog indicates a volume without a log division
	ErrNoLog = errors.New("volume has no log division")

	// ErrNoFreeFrames indicates that no object division has room for a new object
	ErrNoFreeFrames = errors.New("no free frames")

	// ErrNotHomed indicates an OID outside of every object division
	ErrNotHomed = errors.New("OID has no home location")

	// ErrLogRange indicates a log location beyond the log division
	ErrLogRange = errors.New("log location out of range")

	// ErrLayout indicates a volume layout which cannot be formatted
	ErrLayout = errors.New("invalid volume layout")

	// ErrNotAllocated indicates that the tag pot does not record the object as allocated
	ErrNotAllocated = errors.New("object not allocated")
)
