// Copyright © 2018 One Concern

package localfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/storage"
	"github.com/oneconcern/capstore/pkg/storage/status"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVolume  = "/volumes/test.vol"
	testSectors = 64
)

func setupDevice(t testing.TB) (afero.Fs, storage.Device, func()) {
	fs := afero.NewMemMapFs()
	dev, err := Create(fs, testVolume, testSectors, true)
	require.NoError(t, err)
	return fs, dev, func() {
		_ = dev.Close()
	}
}

func TestCreate(t *testing.T) {
	fs, dev, cleanup := setupDevice(t)
	defer cleanup()

	assert.Equal(t, uint64(testSectors), dev.Sectors())
	assert.Equal(t, "localfs@"+testVolume, dev.String())

	fi, err := fs.Stat(testVolume)
	require.NoError(t, err)
	assert.Equal(t, int64(testSectors*storage.SectorSize), fi.Size())

	_, err = Create(fs, testVolume, testSectors, true)
	assert.True(t, errors.Is(err, status.ErrExists))
}

func TestReadWrite(t *testing.T) {
	fs, dev, cleanup := setupDevice(t)
	defer cleanup()
	ctx := context.Background()

	data := bytes.Repeat([]byte("capstore"), 2*storage.SectorSize/8)
	require.NoError(t, dev.WriteAt(ctx, data, 10))
	require.NoError(t, dev.Sync(ctx))

	got := make([]byte, len(data))
	require.NoError(t, dev.ReadAt(ctx, got, 10))
	assert.Equal(t, data, got)

	// untouched sectors read as zeros
	zero := make([]byte, storage.SectorSize)
	require.NoError(t, dev.ReadAt(ctx, zero, testSectors-1))
	assert.Equal(t, make([]byte, storage.SectorSize), zero)

	// reopen
	require.NoError(t, dev.Close())
	dev, err := New(fs, testVolume)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()
	require.NoError(t, dev.ReadAt(ctx, got, 10))
	assert.Equal(t, data, got)
}

func TestBounds(t *testing.T) {
	fs, dev, cleanup := setupDevice(t)
	defer cleanup()
	ctx := context.Background()

	err := dev.WriteAt(ctx, make([]byte, 100), 0)
	assert.True(t, errors.Is(err, status.ErrUnaligned))

	err = dev.ReadAt(ctx, make([]byte, 2*storage.SectorSize), testSectors-1)
	assert.True(t, errors.Is(err, status.ErrOutOfRange))

	_, err = New(fs, "/volumes/missing.vol")
	assert.True(t, errors.Is(err, status.ErrNotExists))

	require.NoError(t, dev.Close())
	assert.True(t, errors.Is(dev.Sync(ctx), status.ErrClosed))
}
