// Copyright © 2018 One Concern

package storage

import (
	"github.com/oneconcern/capstore/pkg/storage/status"
)

func errUnaligned(n int) error {
	return status.ErrUnaligned.WrapMessage("%d bytes", n)
}

func errOutOfRange(sector uint64, n int) error {
	return status.ErrOutOfRange.WrapMessage("%d bytes at sector %d", n, sector)
}
