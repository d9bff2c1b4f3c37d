// Package status declares error constants returned by the checkpoint manager.
package status

import "github.com/oneconcern/capstore/pkg/errors"

var (
	// ErrFutureTime indicates a checkpoint requested for a time which is not reached yet
	ErrFutureTime = errors.New("checkpoint time is in the future")

	// ErrLimitReached indicates that the root cannot list another un-migrated generation
	ErrLimitReached = errors.New("too many un-migrated generations")

	// ErrLogFull indicates that the log has no room for a new generation
	ErrLogFull = errors.New("checkpoint log is full")

	// ErrNoValidRoot indicates that no checkpoint root can be restarted from
	ErrNoValidRoot = errors.New("no valid checkpoint root")

	// ErrCorruptLog indicates a generation which cannot be read back from the log
	ErrCorruptLog = errors.New("corrupt checkpoint log")

	// ErrAborted indicates a checkpoint which failed before its root was durable
	ErrAborted = errors.New("checkpoint aborted")
)
