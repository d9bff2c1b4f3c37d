package obcache

import (
	"context"
	"sync"
	"testing"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/obcache/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

// memSource backs the persistent range with fresh objects, and does not keep changes
type memSource struct {
	claimed
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func newMemSource() *memSource {
	return &memSource{claimed: claimed{first: 0, end: disk.FirstNonPersistentOID}}
}

func (m *memSource) Name() string { return "mem" }

func (m *memSource) GetObject(_ context.Context, oid disk.OID, t disk.ObType) (*Image, error) {
	m.mu.Lock()
	m.calls++
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if t == disk.TypeFree {
		t = disk.TypePage
	}
	return freshImage(oid, t, 1), nil
}

func (m *memSource) WriteBack(context.Context, *Image) (bool, error) { return false, nil }
func (m *memSource) Invalidate(disk.OID, disk.ObCount)               {}
func (m *memSource) IsRemovable(_ disk.OID, dirty bool) bool         { return !dirty }
func (m *memSource) Close() error                                    { return nil }

// seqAllocator hands out consecutive persistent frames
type seqAllocator struct {
	next disk.OID
}

func (s *seqAllocator) Allocate(_ context.Context, t disk.ObType) (disk.OID, disk.ObCount, error) {
	oid := s.next
	s.next += disk.FrameOID(1)
	return oid, 1, nil
}

type fixture struct {
	mu    sync.Mutex
	cache *Cache
	mem   *memSource
	ram   *RAMSource
}

func newFixture(t testing.TB, capacity int) *fixture {
	f := &fixture{mem: newMemSource()}
	epoch := atomic.NewUint32(1)
	f.ram = NewRAMSource(disk.FirstNonPersistentOID, disk.FirstPhysOID, epoch)
	f.cache = New(keyring.NewArena(256), &f.mu,
		Logger(zaptest.NewLogger(t)),
		Capacity(capacity),
		Sources(f.mem, f.ram),
		WithAllocator(&seqAllocator{next: disk.FrameOID(1)}),
		NPEpoch(epoch),
	)
	f.mu.Lock()
	t.Cleanup(func() {
		f.mu.Unlock()
		_ = f.cache.Close()
	})
	return f
}

func TestAllocateNonPersistent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	p, err := f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)
	assert.False(t, p.Persistent())
	assert.True(t, p.Dirty())
	assert.Equal(t, disk.FirstNonPersistentOID, p.OID)
	assert.Equal(t, disk.ObCount(1), p.AllocCount)

	require.NoError(t, f.cache.WritePage(p, 10, []byte("hello")))
	data, err := f.cache.ReadPage(p, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = f.cache.ReadPage(p, disk.PageSize-2, 5)
	assert.True(t, errors.Is(err, status.ErrOutOfRange))

	n, err := f.cache.Allocate(ctx, disk.TypeNode, false)
	require.NoError(t, err)
	assert.Equal(t, disk.FirstNonPersistentOID+disk.FrameOID(1), n.OID)
	assert.Equal(t, 2, f.cache.Len())

	_, err = f.cache.Allocate(ctx, disk.TypeFree, false)
	assert.True(t, errors.Is(err, status.ErrWrongType))
}

func TestNodeKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	n, err := f.cache.Allocate(ctx, disk.TypeNode, true)
	require.NoError(t, err)
	require.NoError(t, f.cache.SetNodeKey(n, 3, key.NewNumber(1, 2, 3)))

	k, err := f.cache.NodeKey(n, 3)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{1, 2, 3}, k.Words())

	_, err = f.cache.NodeKey(n, disk.NodeSlots)
	assert.True(t, errors.Is(err, status.ErrOutOfRange))

	img := f.cache.Image(n)
	assert.Equal(t, n.OID, img.Node.OID)
	assert.Equal(t, key.NewNumber(1, 2, 3).ToDisk(), img.Node.Slots[3])

	require.NoError(t, f.cache.ClearNode(n))
	k, err = f.cache.NodeKey(n, 3)
	require.NoError(t, err)
	assert.True(t, k.IsVoid())

	p, err := f.cache.Allocate(ctx, disk.TypePage, true)
	require.NoError(t, err)
	assert.True(t, errors.Is(f.cache.SetNodeKey(p, 0, key.VoidKey), status.ErrWrongType))
}

func TestEviction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	p1, err := f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)
	require.NoError(t, f.cache.WritePage(p1, 0, []byte("first")))
	oid := p1.OID

	_, err = f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)
	_, err = f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)

	assert.Equal(t, 2, f.cache.Len())
	_, resident := f.cache.Lookup(oid)
	require.False(t, resident, "the least recently used object should be evicted")

	// written back to RAM on eviction
	p1, yielded, err := f.cache.GetObject(ctx, oid, disk.TypePage)
	require.NoError(t, err)
	assert.True(t, yielded)
	data, err := f.cache.ReadPage(p1, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	_, yielded, err = f.cache.GetObject(ctx, oid, disk.TypePage)
	require.NoError(t, err)
	assert.False(t, yielded)

	_, _, err = f.cache.GetObject(ctx, oid, disk.TypeNode)
	assert.True(t, errors.Is(err, status.ErrWrongType))
}

func TestEvictionUnpreparesKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	arena := f.cache.Arena()

	p, err := f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)
	s := arena.Alloc()
	arena.Set(s, key.NewObject(key.Page, p.OID, p.AllocCount, 0))
	arena.Link(p.Ring, s, p.Target)

	_, err = f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)

	_, prepared := arena.Prepared(s)
	assert.False(t, prepared)
	assert.Equal(t, p.OID, arena.Key(s).OID)
}

func TestCacheFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	p, err := f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)
	require.True(t, f.cache.Lock(p, 7))
	assert.False(t, f.cache.Lock(p, 8))

	_, err = f.cache.Allocate(ctx, disk.TypePage, false)
	assert.True(t, errors.Is(err, status.ErrCacheFull))

	f.cache.UnlockAll(7)
	_, locked := p.LockedBy()
	assert.False(t, locked)
	_, err = f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)
}

func TestRescind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	arena := f.cache.Arena()

	p, err := f.cache.Allocate(ctx, disk.TypePage, true)
	require.NoError(t, err)
	s := arena.Alloc()
	arena.Set(s, key.NewObject(key.Page, p.OID, p.AllocCount, 0))
	arena.Link(p.Ring, s, p.Target)

	assert.Equal(t, 1, f.cache.Rescind(p))
	assert.Equal(t, disk.ObCount(2), p.AllocCount)
	assert.True(t, arena.Key(s).IsVoid())
	assert.True(t, arena.Empty(p.Ring))
	assert.True(t, p.Dirty())
}

func TestReclaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	arena := f.cache.Arena()

	p, err := f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)
	oid := p.OID
	s := arena.Alloc()
	arena.Set(s, key.NewObject(key.Page, p.OID, p.AllocCount, 0))
	arena.Link(p.Ring, s, p.Target)

	assert.True(t, errors.Is(f.cache.Reclaim(p, 1), status.ErrBusy))
	arena.Unlink(s)

	require.True(t, f.cache.Lock(p, 2))
	assert.True(t, errors.Is(f.cache.Reclaim(p, 1), status.ErrBusy))
	require.NoError(t, f.cache.Reclaim(p, 2))

	_, resident := f.cache.Lookup(oid)
	assert.False(t, resident)

	// the saved key is now stale
	again, _, err := f.cache.GetObject(ctx, oid, disk.TypePage)
	require.NoError(t, err)
	assert.Greater(t, again.AllocCount, arena.Key(s).Count)
}

func TestReclaimPersistent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	p, err := f.cache.Allocate(ctx, disk.TypePage, true)
	require.NoError(t, err)
	oid := p.OID
	require.NoError(t, f.cache.Reclaim(p, 1))
	assert.Equal(t, 1, f.cache.Released())

	_, _, err = f.cache.GetObject(ctx, oid, disk.TypePage)
	assert.True(t, errors.Is(err, status.ErrObjectNotFound))

	objs, freed := f.cache.Demarcate(1)
	assert.Empty(t, objs)
	require.Len(t, freed, 1)
	assert.Equal(t, Freed{OID: oid, Type: disk.TypePage, Count: 2}, freed[0])

	f.cache.EndGeneration(1, objs, freed, false)
	assert.Equal(t, 1, f.cache.Released())

	objs, freed = f.cache.Demarcate(2)
	f.cache.EndGeneration(2, objs, freed, true)
	assert.Equal(t, 0, f.cache.Released())
}

func TestDemarcateCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	written, err := f.cache.Allocate(ctx, disk.TypePage, true)
	require.NoError(t, err)
	require.NoError(t, f.cache.WritePage(written, 0, []byte("before")))
	untouched, err := f.cache.Allocate(ctx, disk.TypePage, true)
	require.NoError(t, err)
	volatile, err := f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)

	objs, _ := f.cache.Demarcate(1)
	require.Len(t, objs, 2)
	assert.False(t, written.Dirty())
	gen, pinned := written.Pinned()
	assert.True(t, pinned)
	assert.Equal(t, uint64(1), gen)
	_, pinned = volatile.Pinned()
	assert.False(t, pinned)

	// a write after the demarcation must not leak into the generation
	require.NoError(t, f.cache.WritePage(written, 0, []byte("after!")))
	assert.True(t, written.Dirty())

	img := f.cache.Capture(written)
	assert.Equal(t, []byte("before"), img.Page[:6])
	img = f.cache.Capture(untouched)
	assert.Equal(t, untouched.OID, img.OID)

	// captured already: a later write does not save another copy
	require.NoError(t, f.cache.WritePage(untouched, 0, []byte("late")))
	assert.Nil(t, untouched.shadow)

	f.cache.EndGeneration(1, objs, nil, true)
	_, pinned = written.Pinned()
	assert.False(t, pinned)
	assert.True(t, written.Dirty())
	assert.True(t, untouched.Dirty())

	objs, _ = f.cache.Demarcate(2)
	require.Len(t, objs, 2)
	f.cache.EndGeneration(2, objs, nil, true)
	assert.False(t, written.Dirty())
	assert.False(t, untouched.Dirty())
}

func TestAbortedGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	p, err := f.cache.Allocate(ctx, disk.TypePage, true)
	require.NoError(t, err)
	objs, _ := f.cache.Demarcate(1)
	require.Len(t, objs, 1)

	// pinned objects stay resident
	_, err = f.cache.Allocate(ctx, disk.TypePage, false)
	assert.True(t, errors.Is(err, status.ErrCacheFull))

	f.cache.EndGeneration(1, objs, nil, false)
	assert.True(t, p.Dirty())
	_, pinned := p.Pinned()
	assert.False(t, pinned)

	// still dirty, so still resident
	_, err = f.cache.Allocate(ctx, disk.TypePage, false)
	assert.True(t, errors.Is(err, status.ErrCacheFull))
}

func TestSharedFault(t *testing.T) {
	f := newFixture(t, 8)
	f.mem.gate = make(chan struct{})
	f.mu.Unlock()
	defer f.mu.Lock()

	const waiters = 4
	oid := disk.FrameOID(3)
	results := make(chan *Object, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.mu.Lock()
			defer f.mu.Unlock()
			obj, _, err := f.cache.GetObject(context.Background(), oid, disk.TypePage)
			if err != nil {
				results <- nil
				return
			}
			results <- obj
		}()
	}
	close(f.mem.gate)
	wg.Wait()
	close(results)

	var first *Object
	for obj := range results {
		require.NotNil(t, obj)
		if first == nil {
			first = obj
		}
		assert.Same(t, first, obj)
	}
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	assert.Equal(t, 1, f.mem.calls)
}
