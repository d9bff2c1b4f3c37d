package ckpt

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/oneconcern/capstore/pkg/ckpt/status"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/key"
	obstatus "github.com/oneconcern/capstore/pkg/obcache/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errIO = errors.New("simulated I/O error")

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())

	page := e.allocate(disk.TypePage)
	e.writePage(page, "persistent page")
	node := e.allocate(disk.TypeNode)
	pageKey := key.NewObject(key.Page, page.OID, page.AllocCount, key.ReadOnly)
	e.mu.Lock()
	require.NoError(t, e.cache.SetNodeKey(node, 0, pageKey))
	require.NoError(t, e.cache.SetNodeKey(node, 31, key.NewNumber(1, 2, 3)))
	e.mu.Unlock()
	volatile := func() disk.OID {
		e.mu.Lock()
		defer e.mu.Unlock()
		obj, err := e.cache.Allocate(ctx, disk.TypePage, false)
		require.NoError(t, err)
		return obj.OID
	}()

	require.NoError(t, e.mgr.EnsureCheckpoint(ctx, e.mgr.Clock().Now()))
	st := e.mgr.Status()
	assert.Equal(t, uint64(1), st.Stable)
	assert.Equal(t, Inactive, st.State)
	assert.Equal(t, 1, st.RootSlot)
	assert.False(t, page.Dirty())
	demarcation := st.LastDemarcation

	e.reboot()
	assert.Equal(t, uint64(1), e.rec.Root.Generation)
	assert.Equal(t, 1, e.rec.Slot)
	assert.Equal(t, 2, e.rec.Objects)
	assert.Equal(t, demarcation, e.rec.DemarcationTime)
	assert.GreaterOrEqual(t, e.mgr.Clock().Now(), demarcation)

	assert.Equal(t, []byte("persistent page"), e.readPage(page.OID, 15))

	e.mu.Lock()
	defer e.mu.Unlock()
	restored, _, err := e.cache.GetObject(ctx, node.OID, disk.TypeNode)
	require.NoError(t, err)
	assert.Equal(t, node.AllocCount, restored.AllocCount)
	k, err := e.cache.NodeKey(restored, 0)
	require.NoError(t, err)
	assert.Equal(t, pageKey, k)
	k, err = e.cache.NodeKey(restored, 31)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{1, 2, 3}, k.Words())

	// non-persistent objects do not survive, and their keys are stale
	obj, _, err := e.cache.GetObject(ctx, volatile, disk.TypePage)
	require.NoError(t, err)
	assert.Greater(t, obj.AllocCount, disk.ObCount(1))
}

func TestSingleValidRoot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())

	page := e.allocate(disk.TypePage)
	e.writePage(page, "one")
	e.checkpoint()
	require.Equal(t, 1, e.mgr.Status().RootSlot)

	// a root for generation 2 torn while being written to slot 0
	torn, err := disk.CheckpointRoot{Generation: 2, EndLog: disk.FrameLID(disk.LogFirstFrame)}.MarshalBinary()
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(torn[disk.PageSize-8:], 1)
	require.NoError(t, e.vol.WriteLogFrame(ctx, disk.RootSlots[0].Frame(), torn))

	e.reboot()
	assert.Equal(t, uint64(1), e.rec.Root.Generation)
	assert.Equal(t, 1, e.rec.Slot)
	assert.Equal(t, []byte("one"), e.readPage(page.OID, 3))

	// the next root goes to the slot not holding the valid root
	page = e.object(page.OID, disk.TypePage)
	e.writePage(page, "two")
	e.checkpoint()
	assert.Equal(t, 0, e.mgr.Status().RootSlot)

	e.reboot()
	assert.Equal(t, uint64(2), e.rec.Root.Generation)
	assert.Equal(t, 0, e.rec.Slot)
	assert.Equal(t, []byte("two"), e.readPage(page.OID, 3))
}

func TestNoValidRoot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())

	zeros := make([]byte, disk.PageSize)
	for _, lid := range disk.RootSlots {
		require.NoError(t, e.vol.WriteLogFrame(ctx, lid.Frame(), zeros))
	}
	_, err := e.mgr.Restart(ctx)
	assert.True(t, errors.Is(err, status.ErrNoValidRoot))
}

func TestCrashDuringRootWrite(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())

	page := e.allocate(disk.TypePage)
	e.writePage(page, "one")
	e.checkpoint()

	log, ok := e.vol.Divisions().Log()
	require.True(t, ok)
	rootSector := log.FrameSector(disk.RootSlots[0].Frame())
	e.dev.On("WriteAt", rootSector).Return(errIO)
	e.dev.On("WriteAt", mock.Anything).Return(nil)
	e.dev.On("Sync").Return(nil)
	e.dev.armed.Store(true)

	e.writePage(page, "two")
	err := e.mgr.Checkpoint(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrAborted))
	assert.Equal(t, uint64(1), e.mgr.Status().Stable)
	assert.True(t, page.Dirty(), "an aborted generation leaves its objects dirty")
	e.dev.armed.Store(false)

	e.reboot()
	assert.Equal(t, uint64(1), e.rec.Root.Generation)
	assert.Equal(t, []byte("one"), e.readPage(page.OID, 3))
}

func TestIdempotentCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())

	page := e.allocate(disk.TypePage)
	e.writePage(page, "data")
	require.NoError(t, e.mgr.EnsureCheckpoint(ctx, e.mgr.Clock().Now()))
	st := e.mgr.Status()

	before, err := e.vol.ReadRoots(ctx)
	require.NoError(t, err)
	writes := e.dev.writes.Load()

	require.NoError(t, e.mgr.EnsureCheckpoint(ctx, st.LastDemarcation))
	require.NoError(t, e.mgr.EnsureCheckpoint(ctx, 0))

	after, err := e.vol.ReadRoots(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, writes, e.dev.writes.Load())
	assert.Equal(t, st, e.mgr.Status())
}

func TestFutureTime(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())
	st := e.mgr.Status()
	writes := e.dev.writes.Load()

	err := e.mgr.EnsureCheckpoint(ctx, e.mgr.Clock().Now()+uint64(time.Hour))
	assert.True(t, errors.Is(err, status.ErrFutureTime))
	assert.Equal(t, st, e.mgr.Status())
	assert.Equal(t, writes, e.dev.writes.Load())
}

func TestAbortOnIOError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())

	page := e.allocate(disk.TypePage)
	e.writePage(page, "data")

	e.dev.On("WriteAt", mock.Anything).Return(errIO)
	e.dev.On("Sync").Return(nil)
	e.dev.armed.Store(true)

	err := e.mgr.EnsureCheckpoint(ctx, e.mgr.Clock().Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrAborted))
	st := e.mgr.Status()
	assert.Equal(t, uint64(0), st.Stable)
	assert.Equal(t, Inactive, st.State)
	assert.True(t, page.Dirty())
	_, pinned := page.Pinned()
	assert.False(t, pinned)

	e.dev.armed.Store(false)
	require.NoError(t, e.mgr.EnsureCheckpoint(ctx, e.mgr.Clock().Now()))
	assert.Equal(t, uint64(1), e.mgr.Status().Stable)
	assert.False(t, page.Dirty())
}

func TestLimitReached(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout(), MaxGenerations(2))

	page := e.allocate(disk.TypePage)
	for _, data := range []string{"one", "two"} {
		e.writePage(page, data)
		e.checkpoint()
	}

	writes := e.dev.writes.Load()
	e.writePage(page, "three")
	err := e.mgr.Checkpoint(ctx)
	assert.True(t, errors.Is(err, status.ErrLimitReached))
	assert.Equal(t, writes, e.dev.writes.Load())
	assert.True(t, page.Dirty())

	gen, err := e.mgr.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	e.checkpoint()

	st := e.mgr.Status()
	assert.Equal(t, uint64(3), st.Stable)
	assert.Equal(t, uint64(1), st.Migrated)
	assert.Equal(t, 2, st.Unmigrated)
}

func TestLogFull(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	layout.LogFrames = 8
	e := newEnv(t, layout)

	pages := make([]disk.OID, 0, 5)
	for i := 0; i < 5; i++ {
		obj := e.allocate(disk.TypePage)
		pages = append(pages, obj.OID)
	}
	writes := e.dev.writes.Load()

	err := e.mgr.Checkpoint(ctx)
	assert.True(t, errors.Is(err, status.ErrLogFull))
	assert.Equal(t, writes, e.dev.writes.Load())
	assert.Equal(t, uint64(0), e.mgr.Status().Stable)

	e.mu.Lock()
	for _, oid := range pages {
		obj, ok := e.cache.Lookup(oid)
		require.True(t, ok)
		assert.True(t, obj.Dirty())
	}
	e.mu.Unlock()
}

func TestLogWraps(t *testing.T) {
	layout := testLayout()
	layout.LogFrames = 12
	e := newEnv(t, layout, MaxGenerations(3))

	page := e.allocate(disk.TypePage)
	for i, data := range []string{"aa", "bb", "cc", "dd", "ee", "ff"} {
		e.writePage(page, data)
		e.checkpoint()
		if i > 0 {
			_, err := e.mgr.Migrate(context.Background())
			require.NoError(t, err)
		}
	}
	assert.Equal(t, uint64(6), e.mgr.Status().Stable)

	e.reboot()
	assert.Equal(t, []byte("ff"), e.readPage(page.OID, 2))
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())

	a := e.allocate(disk.TypePage)
	e.writePage(a, "a1")
	b := e.allocate(disk.TypePage)
	e.writePage(b, "b1")
	e.checkpoint()

	e.writePage(a, "a2")
	e.checkpoint()
	checkpointed := e.mgr.Status()

	gen, err := e.mgr.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	_, logged := e.dir.Find(b.OID)
	assert.False(t, logged, "migrated objects are read from their home location")
	entry, logged := e.dir.Find(a.OID)
	require.True(t, logged)
	assert.Equal(t, uint64(2), entry.Generation)
	migrated := e.mgr.Status()
	assert.NotEqual(t, checkpointed.RootSlot, migrated.RootSlot)

	// both slots hold generation 2: the root written by the migration wins
	e.reboot()
	assert.Equal(t, migrated.RootSlot, e.rec.Slot)
	assert.Equal(t, uint64(2), e.rec.Root.Generation)
	assert.Equal(t, uint64(1), e.rec.Root.MigratedGeneration)
	assert.Equal(t, uint64(3), e.rec.Root.Sequence)
	assert.Len(t, e.rec.Root.Generations, 1)
	_, logged = e.dir.Find(b.OID)
	assert.False(t, logged)

	// the newest generation is never migrated
	gen, err = e.mgr.Migrate(ctx)
	require.NoError(t, err)
	assert.Zero(t, gen)

	e.reboot()
	assert.Equal(t, uint64(1), e.rec.Root.MigratedGeneration)
	assert.Len(t, e.rec.Root.Generations, 1)
	assert.Equal(t, []byte("a2"), e.readPage(a.OID, 2))
	assert.Equal(t, []byte("b1"), e.readPage(b.OID, 2))

	home, count, err := e.vol.ReadHomePage(ctx, b.OID)
	require.NoError(t, err)
	assert.Equal(t, b.AllocCount, count)
	assert.Equal(t, []byte("b1"), home[:2])
}

func TestUncapturedAllocation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())

	page := e.allocate(disk.TypePage)
	for _, data := range []string{"one", "two"} {
		e.writePage(page, data)
		e.checkpoint()
	}

	// allocated after the last demarcation: migration flushes the pots, not this allocation
	lost := e.allocate(disk.TypePage)
	gen, err := e.mgr.Migrate(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)

	e.reboot()
	entry, err := e.vol.PotEntry(ctx, lost.OID)
	require.NoError(t, err)
	assert.Equal(t, disk.TypeFree, entry.Type)
	entry, err = e.vol.PotEntry(ctx, page.OID)
	require.NoError(t, err)
	assert.Equal(t, disk.TypePage, entry.Type)

	captured := e.allocate(disk.TypePage)
	e.checkpoint()
	e.reboot()
	entry, err = e.vol.PotEntry(ctx, captured.OID)
	require.NoError(t, err)
	assert.Equal(t, disk.TypePage, entry.Type)
	assert.Equal(t, captured.AllocCount, entry.Count)
}

func TestRestartState(t *testing.T) {
	procs := fakeProcesses{
		{OID: disk.FrameOID(3), CallCount: 4, State: 1},
		{OID: disk.FrameOID(5), CallCount: 9, State: 2},
	}
	e := newEnv(t, testLayout(), WithProcesses(procs))

	e.mu.Lock()
	e.cache.SetEpoch(41)
	e.mu.Unlock()
	e.checkpoint()

	e.reboot()
	assert.Equal(t, []disk.ProcessDescriptor(procs), e.rec.Processes)
	assert.Equal(t, disk.ObCount(41), e.rec.Root.MaxNPCount)
	e.mu.Lock()
	assert.Equal(t, disk.ObCount(42), e.cache.Epoch())
	e.mu.Unlock()
}

func TestReleaseAcrossCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())

	page := e.allocate(disk.TypePage)
	oid, count := page.OID, page.AllocCount
	e.checkpoint()

	e.mu.Lock()
	require.NoError(t, e.cache.Reclaim(page, 0))
	e.mu.Unlock()
	e.checkpoint()

	entry, err := e.vol.PotEntry(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, disk.TypeFree, entry.Type)

	e.reboot()
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _, err = e.cache.GetObject(ctx, oid, disk.TypePage)
	assert.True(t, errors.Is(err, obstatus.ErrObjectNotFound))

	again, err := e.cache.Allocate(ctx, disk.TypePage, true)
	require.NoError(t, err)
	if again.OID == oid {
		assert.Greater(t, again.AllocCount, count)
	}
}

func TestSharedCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testLayout())
	page := e.allocate(disk.TypePage)
	e.writePage(page, "shared")

	target := e.mgr.Clock().Now()
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errs <- e.mgr.EnsureCheckpoint(ctx, target) }()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, uint64(1), e.mgr.Status().Stable)
}

func TestRun(t *testing.T) {
	e := newEnv(t, testLayout())
	page := e.allocate(disk.TypePage)
	e.writePage(page, "periodic")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.mgr.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return e.mgr.Status().Stable > 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
