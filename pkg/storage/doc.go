// Copyright © 2018 One Concern

// Package storage provides the interface to the block devices holding capstore volumes.
//
// This package supports the following backends:
//   - local file system, or any afero file system (see localfs)
//
// Devices may be wrapped with Instrument to collect IO metrics and debug logs.
package storage
