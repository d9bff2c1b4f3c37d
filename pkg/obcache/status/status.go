// Package status declares error constants returned by the object cache and object sources.
package status

import "github.com/oneconcern/capstore/pkg/errors"

var (
	// ErrObjectNotFound indicates that no source can supply an object
	ErrObjectNotFound = errors.New("object not found")

	// ErrCacheFull indicates that no resident object could be evicted to make room for another one
	ErrCacheFull = errors.New("object cache is full")

	// ErrWrongType indicates an object of another type than requested
	ErrWrongType = errors.New("object has another type")

	// ErrBusy indicates an object that cannot be reclaimed: it is designated by prepared keys,
	// pinned by a generation or locked by another activity
	ErrBusy = errors.New("object is in use")

	// ErrReadOnly indicates a change to an object whose source does not accept changes
	ErrReadOnly = errors.New("object source is read-only")

	// ErrPreload indicates an unusable preload image
	ErrPreload = errors.New("invalid preload image")

	// ErrOutOfRange indicates an access beyond the boundaries of a page or node
	ErrOutOfRange = errors.New("access out of object boundaries")
)
