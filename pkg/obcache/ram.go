package obcache

import (
	"context"
	"sync"

	"github.com/oneconcern/capstore/pkg/disk"
	"go.uber.org/atomic"
)

// RAMSource supplies non-persistent objects. Objects are created zero-filled on demand, with the
// current non-persistent allocation count, and kept in memory when written back.
type RAMSource struct {
	claimed
	epoch *atomic.Uint32

	mu      sync.Mutex
	objects map[disk.OID]*Image
	counts  map[disk.OID]disk.ObCount
}

// NewRAMSource builds a source for non-persistent objects in [first, end).
//
// The epoch is the allocation count of objects created by this source. It must be increased
// at restart so that keys saved before are stale.
func NewRAMSource(first, end disk.OID, epoch *atomic.Uint32) *RAMSource {
	return &RAMSource{
		claimed: claimed{first: first, end: end},
		epoch:   epoch,
		objects: make(map[disk.OID]*Image),
		counts:  make(map[disk.OID]disk.ObCount),
	}
}

// Name of the source
func (r *RAMSource) Name() string {
	return "ram"
}

func (r *RAMSource) count(oid disk.OID) disk.ObCount {
	c := disk.ObCount(r.epoch.Load())
	if floor, ok := r.counts[oid]; ok && floor > c {
		return floor
	}
	return c
}

// GetObject returns the saved copy of an object, or a fresh zero-filled one
func (r *RAMSource) GetObject(_ context.Context, oid disk.OID, t disk.ObType) (*Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if img, ok := r.objects[oid]; ok {
		return img.Clone(), nil
	}
	if t == disk.TypeFree {
		t = disk.TypePage
	}
	return freshImage(oid, t, r.count(oid)), nil
}

// WriteBack keeps a copy of the object in memory
func (r *RAMSource) WriteBack(_ context.Context, img *Image) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[img.OID] = img.Clone()
	return true, nil
}

// Invalidate drops the saved copy of an object
func (r *RAMSource) Invalidate(oid disk.OID, count disk.ObCount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, oid)
	if count > r.counts[oid] {
		r.counts[oid] = count
	}
}

// IsRemovable is always true: modified objects are written back
func (r *RAMSource) IsRemovable(disk.OID, bool) bool {
	return true
}

// Close the source
func (r *RAMSource) Close() error {
	return nil
}
