// Package status declares error constants returned by invocations.
package status

import "github.com/oneconcern/capstore/pkg/errors"

var (
	// ErrRequest indicates bad parameters for an order
	ErrRequest = errors.New("bad request")

	// ErrUnknownRequest indicates an order code not defined for the invoked key type
	ErrUnknownRequest = errors.New("unknown request")

	// ErrNoAccess indicates an order denied by the permissions of the invoked key
	ErrNoAccess = errors.New("no access")

	// ErrVoided indicates a key voided since it was prepared
	ErrVoided = errors.New("key was voided")

	// ErrYielded indicates that the kernel lock was released while preparing an invocation,
	// which must start over
	ErrYielded = errors.New("kernel lock was released")
)
