package ckpt

import (
	"context"
	"sync"
	"testing"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/logdir"
	"github.com/oneconcern/capstore/pkg/obcache"
	"github.com/oneconcern/capstore/pkg/storage"
	"github.com/oneconcern/capstore/pkg/storage/localfs"
	"github.com/oneconcern/capstore/pkg/volume"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

const testPath = "/volumes/ckpt.vol"

// faultyDevice counts writes, and fails them on demand
type faultyDevice struct {
	storage.Device
	mock.Mock
	armed  atomic.Bool
	writes atomic.Int64
}

func (f *faultyDevice) WriteAt(ctx context.Context, buf []byte, sector uint64) error {
	f.writes.Inc()
	if f.armed.Load() {
		if err := f.Called(sector).Error(0); err != nil {
			return err
		}
	}
	return f.Device.WriteAt(ctx, buf, sector)
}

func (f *faultyDevice) Sync(ctx context.Context) error {
	if f.armed.Load() {
		if err := f.Called().Error(0); err != nil {
			return err
		}
	}
	return f.Device.Sync(ctx)
}

func (f *faultyDevice) String() string {
	return f.Device.String()
}

// Close leaves the file in place, so that the volume may be reopened
func (f *faultyDevice) Close() error {
	return nil
}

type fakeProcesses []disk.ProcessDescriptor

func (f fakeProcesses) Snapshot() []disk.ProcessDescriptor {
	return f
}

type env struct {
	t     testing.TB
	fs    afero.Fs
	mu    sync.Mutex
	dev   *faultyDevice
	vol   *volume.Volume
	dir   *logdir.Directory
	cache *obcache.Cache
	mgr   *Manager
	rec   Recovered
	opts  []Option
}

func testLayout() volume.Layout {
	return volume.Layout{LogFrames: 32, ObjectClusters: []uint64{1}, SystemID: 7}
}

func newEnv(t testing.TB, layout volume.Layout, opts ...Option) *env {
	ctx := context.Background()
	e := &env{t: t, fs: afero.NewMemMapFs(), opts: opts}
	base, err := localfs.Create(e.fs, testPath, layout.Sectors(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	_, err = volume.Format(ctx, base, layout)
	require.NoError(t, err)
	e.boot(base)
	return e
}

// boot opens the volume and restarts from it, as after a crash: nothing held in memory survives
func (e *env) boot(base storage.Device) {
	ctx := context.Background()
	l := zaptest.NewLogger(e.t)
	e.dev = &faultyDevice{Device: base}
	vol, err := volume.Open(ctx, e.dev, volume.Logger(l))
	require.NoError(e.t, err)
	e.vol = vol
	e.dir = logdir.New()
	epoch := atomic.NewUint32(1)
	e.cache = obcache.New(keyring.NewArena(1024), &e.mu,
		obcache.Logger(l),
		obcache.Sources(
			obcache.NewPersistentSource(vol, e.dir, l),
			obcache.NewRAMSource(disk.FirstNonPersistentOID, disk.FirstPhysOID, epoch),
		),
		obcache.WithAllocator(vol),
		obcache.NPEpoch(epoch),
	)
	e.mgr = New(vol, e.cache, e.dir, &e.mu, append([]Option{Logger(l)}, e.opts...)...)
	e.rec, err = e.mgr.Restart(ctx)
	require.NoError(e.t, err)
}

func (e *env) reboot() {
	e.boot(e.dev.Device)
}

func (e *env) allocate(t disk.ObType) *obcache.Object {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj, err := e.cache.Allocate(context.Background(), t, true)
	require.NoError(e.t, err)
	return obj
}

// object fetches an object through the current cache: pointers do not survive a reboot
func (e *env) object(oid disk.OID, t disk.ObType) *obcache.Object {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj, _, err := e.cache.GetObject(context.Background(), oid, t)
	require.NoError(e.t, err)
	return obj
}

func (e *env) writePage(obj *obcache.Object, data string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NoError(e.t, e.cache.WritePage(obj, 0, []byte(data)))
}

func (e *env) readPage(oid disk.OID, n int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj, _, err := e.cache.GetObject(context.Background(), oid, disk.TypePage)
	require.NoError(e.t, err)
	data, err := e.cache.ReadPage(obj, 0, n)
	require.NoError(e.t, err)
	return data
}

func (e *env) checkpoint() {
	require.NoError(e.t, e.mgr.Checkpoint(context.Background()))
}
