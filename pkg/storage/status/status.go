// Copyright © 2018 One Concern

// Package status declares error constants returned by
// implementations of the Device interface.
//
// NOTE: such constants are located in a separate package to avoid
// creating undue cyclical dependencies between pkg/storage and one
// of its implementions.
package status

import "github.com/oneconcern/capstore/pkg/errors"

var (
	// Sentinel errors returned by implementations of the interface defined by storage

	// ErrNotExists indicates that the volume file does not exist
	ErrNotExists = errors.New("volume doesn't exist")

	// ErrExists indicates that the volume already exists and cannot be overridden
	ErrExists = errors.New("exists already")

	// ErrOutOfRange indicates an IO beyond the end of the device
	ErrOutOfRange = errors.New("IO out of device range")

	// ErrUnaligned indicates an IO which is not a whole number of sectors
	ErrUnaligned = errors.New("IO is not sector aligned")

	// ErrShortIO indicates that the device transferred fewer bytes than requested
	ErrShortIO = errors.New("short IO")

	// ErrClosed indicates an IO on a closed device
	ErrClosed = errors.New("device closed")

	// ErrIO indicates any other failure of the underlying storage
	ErrIO = errors.New("device IO error")
)
