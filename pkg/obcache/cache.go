// Package obcache keeps objects resident in memory, and faults them in from object sources.
//
// Every method of the cache must be called with the kernel lock held. Methods which
// perform I/O release the lock while waiting, and report it: the caller must then assume
// that any other kernel state may have changed.
package obcache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/dlogger"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/metrics"
	"github.com/oneconcern/capstore/pkg/obcache/status"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultCapacity is the default number of resident objects
const DefaultCapacity = 4096

// Allocator hands out free persistent objects
type Allocator interface {
	Allocate(context.Context, disk.ObType) (disk.OID, disk.ObCount, error)
}

// M describes metrics for the object cache
type M struct {
	Volumetry struct {
		Cache metrics.CacheMetrics `group:"cache" description:"object cache activity"`
	} `group:"volumetry" description:"volumetry measurements for the object cache"`
}

// Cache of resident objects
type Cache struct {
	metrics.Enable
	m *M

	l        *zap.Logger
	lock     sync.Locker
	arena    *keyring.Arena
	sources  []Source
	alloc    Allocator
	epoch    *atomic.Uint32
	capacity int

	objs     []*Object
	free     []keyring.Target
	resident map[disk.OID]keyring.Target
	recency  *lru.Cache
	inflight map[disk.OID]*fetch
	locks    map[uint64][]keyring.Target
	freed    map[disk.OID]Freed
	npNext   disk.OID
}

type fetch struct {
	done chan struct{}
	err  error
}

// Freed describes a persistent object released since the last stable checkpoint
type Freed struct {
	OID   disk.OID
	Type  disk.ObType
	Count disk.ObCount
}

// Option for the cache
type Option func(*Cache)

// Logger for the cache
func Logger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.l = l
		}
	}
}

// WithMetrics toggles metrics collection
func WithMetrics(enabled bool) Option {
	return func(c *Cache) {
		c.EnableMetrics(enabled)
	}
}

// Capacity sets the maximum number of resident objects
func Capacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// Sources sets the ordered list of object sources
func Sources(sources ...Source) Option {
	return func(c *Cache) {
		c.sources = append(c.sources, sources...)
	}
}

// WithAllocator sets the allocator of persistent objects
func WithAllocator(a Allocator) Option {
	return func(c *Cache) {
		c.alloc = a
	}
}

// NPEpoch shares the allocation count of non-persistent objects with the sources
func NPEpoch(epoch *atomic.Uint32) Option {
	return func(c *Cache) {
		if epoch != nil {
			c.epoch = epoch
		}
	}
}

// New cache over an arena of key slots. The lock is the kernel lock, held by callers.
func New(arena *keyring.Arena, lock sync.Locker, opts ...Option) *Cache {
	c := &Cache{
		l:        zap.NewNop(),
		lock:     lock,
		arena:    arena,
		epoch:    atomic.NewUint32(1),
		capacity: DefaultCapacity,
		objs:     make([]*Object, 1), // handle 0 is NoTarget
		resident: make(map[disk.OID]keyring.Target),
		inflight: make(map[disk.OID]*fetch),
		locks:    make(map[uint64][]keyring.Target),
		freed:    make(map[disk.OID]Freed),
	}
	for _, apply := range opts {
		apply(c)
	}
	c.l = dlogger.For(c.l, "obcache")
	c.m = c.EnsureMetrics("obcache", &M{}).(*M)

	// recency is only trimmed by the cache, never by the lru itself
	c.recency, _ = lru.New(2*c.capacity + 1)

	for _, src := range c.sources {
		if ram, ok := src.(*RAMSource); ok {
			c.npNext, _ = ram.Range()
			break
		}
	}
	return c
}

// Arena holding all key slots
func (c *Cache) Arena() *keyring.Arena {
	return c.arena
}

// Epoch is the allocation count of non-persistent objects
func (c *Cache) Epoch() disk.ObCount {
	return disk.ObCount(c.epoch.Load())
}

// SetEpoch changes the allocation count of non-persistent objects
func (c *Cache) SetEpoch(n disk.ObCount) {
	c.epoch.Store(uint32(n))
}

// Len is the number of resident objects
func (c *Cache) Len() int {
	return len(c.resident)
}

// Capacity is the maximum number of resident objects
func (c *Cache) Capacity() int {
	return c.capacity
}

// Object returns the resident object designated by a target handle
func (c *Cache) Object(t keyring.Target) (*Object, bool) {
	if t == keyring.NoTarget || int(t) >= len(c.objs) || c.objs[t] == nil {
		return nil, false
	}
	return c.objs[t], true
}

// Lookup returns a resident object, without any I/O
func (c *Cache) Lookup(oid disk.OID) (*Object, bool) {
	t, ok := c.resident[oid]
	if !ok {
		return nil, false
	}
	c.recency.Get(oid)
	return c.objs[t], true
}

// SourceFor returns the source backing an OID
func (c *Cache) SourceFor(oid disk.OID) (Source, bool) {
	for _, src := range c.sources {
		if _, _, ok := src.FindFirstSubrange(oid, oid+1); ok {
			return src, true
		}
	}
	return nil, false
}

// GetObject returns an object, faulting it in from its source when it is not resident.
//
// A type of disk.TypeFree accepts any type of object. The returned boolean tells if the
// kernel lock was released during the call. Concurrent faults on an object share the
// same I/O.
func (c *Cache) GetObject(ctx context.Context, oid disk.OID, t disk.ObType) (*Object, bool, error) {
	yielded := false
	for {
		if obj, ok := c.Lookup(oid); ok {
			if t != disk.TypeFree && obj.Type != t {
				return nil, yielded, status.ErrWrongType.WrapMessage("%v is a %v, not a %v", oid, obj.Type, t)
			}
			if c.MetricsEnabled() {
				c.m.Volumetry.Cache.Hit()
			}
			return obj, yielded, nil
		}
		if _, pending := c.freed[oid]; pending {
			return nil, yielded, status.ErrObjectNotFound.WrapMessage("%v was released", oid)
		}
		src, ok := c.SourceFor(oid)
		if !ok {
			return nil, yielded, status.ErrObjectNotFound.WrapMessage("no source for %v", oid)
		}

		if f, ok := c.inflight[oid]; ok {
			yielded = true
			c.lock.Unlock()
			select {
			case <-f.done:
			case <-ctx.Done():
			}
			c.lock.Lock()
			if err := ctx.Err(); err != nil {
				return nil, yielded, err
			}
			if f.err != nil {
				return nil, yielded, f.err
			}
			continue
		}

		f := &fetch{done: make(chan struct{})}
		c.inflight[oid] = f
		yielded = true
		c.lock.Unlock()
		img, err := src.GetObject(ctx, oid, t)
		c.lock.Lock()
		delete(c.inflight, oid)
		f.err = err
		close(f.done)
		if err != nil {
			c.l.Debug("object fault failed", zap.Stringer("oid", oid), zap.String("source", src.Name()), zap.Error(err))
			return nil, yielded, err
		}
		if c.MetricsEnabled() {
			c.m.Volumetry.Cache.Miss(src.Name())
		}
		if obj, ok := c.resident[oid]; ok {
			// installed meanwhile by an allocation
			return c.objs[obj], yielded, nil
		}
		obj, err := c.install(img, src)
		if err != nil {
			return nil, yielded, err
		}
		return obj, yielded, nil
	}
}

// install makes an image resident. Keys of nodes are installed unprepared.
func (c *Cache) install(img *Image, src Source) (*Object, error) {
	if err := c.makeRoom(); err != nil {
		return nil, err
	}
	obj := &Object{
		OID:        img.OID,
		Type:       img.Type,
		AllocCount: img.AllocCount,
		CallCount:  img.CallCount,
		Ring:       c.arena.NewRing(),
		src:        src,
	}
	switch img.Type {
	case disk.TypePage:
		obj.page = make([]byte, disk.PageSize)
		copy(obj.page, img.Page)
	case disk.TypeNode:
		obj.CallCount = img.Node.CallCount
		for i := range obj.slots {
			obj.slots[i] = c.arena.Alloc()
			c.arena.Set(obj.slots[i], key.FromDisk(img.Node.Slots[i]))
		}
	}

	var t keyring.Target
	if n := len(c.free); n > 0 {
		t = c.free[n-1]
		c.free = c.free[:n-1]
		c.objs[t] = obj
	} else {
		c.objs = append(c.objs, obj)
		t = keyring.Target(len(c.objs) - 1)
	}
	obj.Target = t
	c.resident[obj.OID] = t
	c.recency.Add(obj.OID, struct{}{})
	if c.MetricsEnabled() {
		c.m.Volumetry.Cache.Size(len(c.resident))
	}
	return obj, nil
}

// makeRoom evicts the least recently used removable object when the cache is full
func (c *Cache) makeRoom() error {
	for len(c.resident) >= c.capacity {
		evicted := false
		for _, k := range c.recency.Keys() {
			oid := k.(disk.OID)
			obj := c.objs[c.resident[oid]]
			if !c.evictable(obj) {
				continue
			}
			if obj.dirty {
				kept, err := obj.src.WriteBack(context.Background(), c.image(obj))
				if err != nil {
					c.l.Warn("write back failed", zap.Stringer("oid", oid), zap.String("source", obj.src.Name()), zap.Error(err))
					continue
				}
				if !kept {
					continue
				}
			}
			c.evict(obj)
			evicted = true
			break
		}
		if !evicted {
			return status.ErrCacheFull.WrapMessage("%d resident objects, none is removable", len(c.resident))
		}
	}
	return nil
}

func (c *Cache) evictable(obj *Object) bool {
	return obj.pinned == 0 && obj.locked == 0 && obj.src.IsRemovable(obj.OID, obj.dirty)
}

func (c *Cache) evict(obj *Object) {
	c.l.Debug("evicting object", zap.Stringer("oid", obj.OID), zap.Stringer("type", obj.Type), zap.Bool("dirty", obj.dirty))
	c.drop(obj)
	if c.MetricsEnabled() {
		c.m.Volumetry.Cache.Evicted(obj.src.Name())
		c.m.Volumetry.Cache.Size(len(c.resident))
	}
}

// drop removes an object from the cache. Keys designating it return to their unprepared form.
func (c *Cache) drop(obj *Object) {
	c.arena.UnprepareAll(obj.Ring)
	c.arena.Free(obj.Ring)
	if obj.Type == disk.TypeNode {
		for i, s := range obj.slots {
			c.arena.Free(s)
			obj.slots[i] = keyring.Nil
		}
	}
	delete(c.resident, obj.OID)
	c.recency.Remove(obj.OID)
	c.objs[obj.Target] = nil
	c.free = append(c.free, obj.Target)
	obj.Target = keyring.NoTarget
	obj.page = nil
}

// Evict forces an object out of the cache, if it may leave it
func (c *Cache) Evict(obj *Object) bool {
	if !c.evictable(obj) || obj.dirty {
		return false
	}
	c.evict(obj)
	return true
}

// Allocate creates a new object, in the persistent range when persistent is true.
//
// The object is resident and dirty. Tag pots are updated in memory, without releasing the kernel lock.
func (c *Cache) Allocate(ctx context.Context, t disk.ObType, persistent bool) (*Object, error) {
	if t != disk.TypePage && t != disk.TypeNode {
		return nil, status.ErrWrongType.WrapMessage("cannot allocate a %v", t)
	}
	var (
		oid   disk.OID
		count disk.ObCount
		src   Source
	)
	if persistent {
		if c.alloc == nil {
			return nil, status.ErrObjectNotFound.WrapMessage("no persistent storage")
		}
		var err error
		if oid, count, err = c.alloc.Allocate(ctx, t); err != nil {
			return nil, err
		}
		src, _ = c.SourceFor(oid)
	} else {
		for _, s := range c.sources {
			if ram, ok := s.(*RAMSource); ok {
				src = ram
				break
			}
		}
		if src == nil {
			return nil, status.ErrObjectNotFound.WrapMessage("no source for non-persistent objects")
		}
		_, end := src.Range()
		if c.npNext >= end {
			return nil, status.ErrCacheFull.WrapMessage("non-persistent range exhausted")
		}
		oid = c.npNext
		c.npNext += disk.FrameOID(1)
		count = c.Epoch()
	}
	if src == nil {
		return nil, status.ErrObjectNotFound.WrapMessage("no source for %v", oid)
	}

	obj, err := c.install(freshImage(oid, t, count), src)
	if err != nil {
		return nil, err
	}
	obj.dirty = true
	c.l.Debug("allocated object", zap.Stringer("oid", oid), zap.Stringer("type", t), zap.Bool("persistent", persistent))
	return obj, nil
}

// Rescind bumps the allocation count of an object and voids all prepared keys designating it.
// Unprepared keys become stale.
func (c *Cache) Rescind(obj *Object) int {
	c.MarkDirty(obj)
	obj.AllocCount++
	return c.arena.RescindAll(obj.Ring)
}

// Reclaim destroys an object. It must not be designated by prepared keys, nor pinned by
// a generation, nor locked by another activity than the caller.
//
// The allocation count is bumped, so that surviving keys are stale.
func (c *Cache) Reclaim(obj *Object, activity uint64) error {
	switch {
	case !c.arena.Empty(obj.Ring):
		return status.ErrBusy.WrapMessage("%v is designated by %d prepared keys", obj.OID, c.arena.Len(obj.Ring))
	case obj.pinned != 0:
		return status.ErrBusy.WrapMessage("%v is pinned by generation %d", obj.OID, obj.pinned)
	case obj.locked != 0 && obj.locked != activity:
		return status.ErrBusy.WrapMessage("%v is locked by activity %d", obj.OID, obj.locked)
	}
	count := obj.AllocCount + 1
	if obj.Persistent() {
		c.freed[obj.OID] = Freed{OID: obj.OID, Type: obj.Type, Count: count}
	} else {
		if _, readOnly := obj.src.(*PreloadSource); readOnly {
			return status.ErrReadOnly.WrapMessage("%v belongs to the preload image", obj.OID)
		}
		obj.src.Invalidate(obj.OID, count)
	}
	c.unlock(obj)
	c.drop(obj)
	return nil
}

// Lock takes the transaction lock of an object for an activity.
// It returns false when another activity holds the lock.
func (c *Cache) Lock(obj *Object, activity uint64) bool {
	switch obj.locked {
	case activity:
		return true
	case 0:
		obj.locked = activity
		c.locks[activity] = append(c.locks[activity], obj.Target)
		return true
	default:
		return false
	}
}

func (c *Cache) unlock(obj *Object) {
	if obj.locked == 0 {
		return
	}
	held := c.locks[obj.locked]
	for i, t := range held {
		if t == obj.Target {
			c.locks[obj.locked] = append(held[:i], held[i+1:]...)
			break
		}
	}
	obj.locked = 0
}

// UnlockAll releases all transaction locks held by an activity
func (c *Cache) UnlockAll(activity uint64) {
	for _, t := range c.locks[activity] {
		if obj, ok := c.Object(t); ok && obj.locked == activity {
			obj.locked = 0
		}
	}
	delete(c.locks, activity)
}

// Close all sources
func (c *Cache) Close() error {
	var err error
	for _, src := range c.sources {
		err = multierr.Append(err, src.Close())
	}
	return err
}
