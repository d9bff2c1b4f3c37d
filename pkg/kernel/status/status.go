// Package status declares error constants returned by the kernel.
package status

import "github.com/oneconcern/capstore/pkg/errors"

var (
	// ErrNoProcess indicates an OID which is not the root of a process
	ErrNoProcess = errors.New("no such process")

	// ErrFaulted indicates a process stopped by a fault
	ErrFaulted = errors.New("process is faulted")

	// ErrMalformed indicates a process whose root cannot be used
	ErrMalformed = errors.New("malformed process")

	// ErrBadRegister indicates a message naming a key register out of range
	ErrBadRegister = errors.New("invalid key register")

	// ErrProcessBusy indicates a process already running an invocation, or waiting for a reply
	ErrProcessBusy = errors.New("process is busy")

	// ErrNotWaiting indicates a process which does not wait for a reply
	ErrNotWaiting = errors.New("process is not waiting for a reply")
)
