// Copyright © 2018 One Concern

// Package localfs provides a volume device stored in a file, on any afero file system.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/oneconcern/capstore/pkg/storage"
	"github.com/oneconcern/capstore/pkg/storage/status"
	"github.com/spf13/afero"
)

// New opens an existing volume file as a device. When fs is nil, the OS file system is used.
func New(fs afero.Fs, path string) (storage.Device, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	fi, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.ErrNotExists.WrapMessage("%q", path)
		}
		return nil, status.ErrIO.Wrap(err)
	}
	if fi.IsDir() || fi.Size()%storage.SectorSize != 0 {
		return nil, status.ErrUnaligned.WrapMessage("volume %q has size %d", path, fi.Size())
	}
	f, err := fs.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, status.ErrIO.Wrap(err)
	}
	return &localFS{
		fs:      fs,
		path:    path,
		file:    f,
		sectors: uint64(fi.Size()) / storage.SectorSize,
	}, nil
}

// Create a new zero-filled volume file with some number of sectors.
//
// When exclusive is true, an existing file is not overwritten.
func Create(fs afero.Fs, path string, sectors uint64, exclusive bool) (storage.Device, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := fs.MkdirAll(dir, 0700); err != nil {
			return nil, status.ErrIO.Wrap(fmt.Errorf("ensuring directories for %q: %w", path, err))
		}
	}
	flag := os.O_CREATE | os.O_RDWR | os.O_TRUNC
	if exclusive {
		flag |= os.O_EXCL
	}
	f, err := fs.OpenFile(path, flag, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, status.ErrExists.WrapMessage("%q", path)
		}
		return nil, status.ErrIO.Wrap(err)
	}
	if err = f.Truncate(int64(sectors * storage.SectorSize)); err != nil {
		_ = f.Close()
		return nil, status.ErrIO.Wrap(err)
	}
	return &localFS{
		fs:      fs,
		path:    path,
		file:    f,
		sectors: sectors,
	}, nil
}

type localFS struct {
	fs      afero.Fs
	path    string
	sectors uint64

	mu   sync.RWMutex
	file afero.File
}

func (l *localFS) ReadAt(ctx context.Context, buf []byte, sector uint64) error {
	if err := storage.CheckRange(len(buf), sector, l.sectors); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file == nil {
		return status.ErrClosed
	}
	n, err := l.file.ReadAt(buf, int64(sector*storage.SectorSize))
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return status.ErrIO.Wrap(fmt.Errorf("reading %d bytes at sector %d: %w", len(buf), sector, err))
	}
	if n != len(buf) {
		return status.ErrShortIO.WrapMessage("read %d of %d bytes", n, len(buf))
	}
	return nil
}

func (l *localFS) WriteAt(ctx context.Context, buf []byte, sector uint64) error {
	if err := storage.CheckRange(len(buf), sector, l.sectors); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file == nil {
		return status.ErrClosed
	}
	n, err := l.file.WriteAt(buf, int64(sector*storage.SectorSize))
	if err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("writing %d bytes at sector %d: %w", len(buf), sector, err))
	}
	if n != len(buf) {
		return status.ErrShortIO.WrapMessage("wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

func (l *localFS) Sync(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file == nil {
		return status.ErrClosed
	}
	if err := l.file.Sync(); err != nil {
		return status.ErrIO.Wrap(err)
	}
	return nil
}

func (l *localFS) Sectors() uint64 {
	return l.sectors
}

func (l *localFS) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *localFS) String() string {
	const localfs = "localfs"
	switch fs := l.fs.(type) {
	case *afero.BasePathFs:
		pp, err := fs.RealPath(l.path)
		if err != nil {
			return localfs
		}
		return localfs + "@" + pp
	default:
		return localfs + "@" + l.path
	}
}
