// Package status declares error constants returned by key rings.
package status

import "github.com/oneconcern/capstore/pkg/errors"

var (
	// ErrBadRing indicates an inconsistent key ring
	ErrBadRing = errors.New("inconsistent key ring")

	// ErrBadSlot indicates a slot ID that is not allocated
	ErrBadSlot = errors.New("invalid key slot")
)
