package volume

import (
	"context"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/volume/status"
	"go.uber.org/zap"
)

// pot returns the cached tag pot of a cluster, reading it on first use
func (v *Volume) pot(ctx context.Context, d disk.Division, frame uint64) (*cachedPot, error) {
	key := potKey{div: d.Start, frame: frame}

	v.mu.Lock()
	cp, ok := v.pots[key]
	v.mu.Unlock()
	if ok {
		return cp, nil
	}

	buf := make([]byte, disk.PageSize)
	if err := v.dev.ReadAt(ctx, buf, d.FrameSector(frame)); err != nil {
		return nil, err
	}
	p := &disk.TagPot{}
	if err := p.UnmarshalBinary(buf); err != nil {
		v.l.Error("unusable tag pot", zap.Stringer("division", d), zap.Uint64("frame", frame), zap.Error(err))
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cp, ok = v.pots[key]; ok {
		return cp, nil
	}
	durable := *p
	cp = &cachedPot{pot: p, durable: &durable}
	v.pots[key] = cp
	return cp, nil
}

func (v *Volume) potEntry(ctx context.Context, d disk.Division, loc disk.ObjectLoc) (disk.PotEntry, error) {
	cp, err := v.pot(ctx, d, loc.Pot)
	if err != nil {
		return disk.PotEntry{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return cp.pot.Entries[loc.Slot], nil
}

func (v *Volume) recordPot(ctx context.Context, d disk.Division, loc disk.ObjectLoc, index uint, t disk.ObType, count disk.ObCount) error {
	cp, err := v.pot(ctx, d, loc.Pot)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	cp.pot.Record(loc.Slot, index, t, count)
	cp.durable.Record(loc.Slot, index, t, count)
	cp.dirty = true
	return nil
}

// PotEntry returns the tag pot entry of the frame holding an object
func (v *Volume) PotEntry(ctx context.Context, oid disk.OID) (disk.PotEntry, error) {
	d, loc, err := v.home(oid)
	if err != nil {
		return disk.PotEntry{}, err
	}
	return v.potEntry(ctx, d, loc)
}

// Allocate finds a free object of some type in the object divisions, and marks it allocated.
//
// The returned count is greater than the count of any previous incarnation of this OID.
// The allocation only becomes durable once recorded with MarkAllocated, then flushed.
func (v *Volume) Allocate(ctx context.Context, t disk.ObType) (disk.OID, disk.ObCount, error) {
	for _, d := range v.divs.Objects() {
		for c := uint64(0); c < d.Clusters(); c++ {
			cp, err := v.pot(ctx, d, c*disk.ClusterFrames)
			if err != nil {
				return 0, 0, err
			}
			v.mu.Lock()
			if !cp.pot.HasFree(t) {
				v.mu.Unlock()
				continue
			}
			slot, index, count, ok := cp.pot.Allocate(t)
			v.mu.Unlock()
			if !ok {
				continue
			}
			oid := d.ClusterOID(c) + disk.FrameOID(uint64(slot)) + disk.OID(index)
			v.l.Debug("allocated object", zap.Stringer("oid", oid), zap.Stringer("type", t), zap.Uint32("count", uint32(count)))
			return oid, count, nil
		}
	}
	return 0, 0, status.ErrNoFreeFrames.WrapMessage("allocating a %v", t)
}

// Release marks an object free in its tag pot. The last count of the object is retained,
// so that keys to this incarnation remain stale forever.
func (v *Volume) Release(ctx context.Context, oid disk.OID, count disk.ObCount) error {
	d, loc, err := v.home(oid)
	if err != nil {
		return err
	}
	cp, err := v.pot(ctx, d, loc.Pot)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !cp.pot.Allocated(loc.Slot, oid.Index()) {
		return status.ErrNotAllocated.WrapMessage("oid %v", oid)
	}
	cp.pot.Release(loc.Slot, oid.Index(), count)
	cp.durable.Release(loc.Slot, oid.Index(), count)
	cp.dirty = true
	return nil
}

// FlushPots writes the durable state of all modified tag pots. The device is not synced.
func (v *Volume) FlushPots(ctx context.Context) (int, error) {
	type dirtyPot struct {
		sector uint64
		buf    []byte
		cp     *cachedPot
	}

	v.mu.Lock()
	var todo []dirtyPot
	for key, cp := range v.pots {
		if !cp.dirty {
			continue
		}
		buf, _ := cp.durable.MarshalBinary()
		todo = append(todo, dirtyPot{
			sector: uint64(key.div) + key.frame*disk.SectorsPerFrame,
			buf:    buf,
			cp:     cp,
		})
		cp.dirty = false
	}
	v.mu.Unlock()

	for i, p := range todo {
		if err := v.dev.WriteAt(ctx, p.buf, p.sector); err != nil {
			// written pots stay clean, the others must be written again
			v.mu.Lock()
			for _, q := range todo[i:] {
				q.cp.dirty = true
			}
			v.mu.Unlock()
			return i, err
		}
	}
	return len(todo), nil
}

// ClusterPots reads the tag pots of an object division, for inspection
func (v *Volume) ClusterPots(ctx context.Context, d disk.Division) ([]disk.TagPot, error) {
	res := make([]disk.TagPot, 0, d.Clusters())
	for c := uint64(0); c < d.Clusters(); c++ {
		cp, err := v.pot(ctx, d, c*disk.ClusterFrames)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		res = append(res, *cp.pot)
		v.mu.Unlock()
	}
	return res, nil
}

// MarkAllocated records in its tag pot that an object is allocated with at least some count.
// This is how the allocation of an object captured by a generation becomes durable.
func (v *Volume) MarkAllocated(ctx context.Context, oid disk.OID, t disk.ObType, count disk.ObCount) error {
	d, loc, err := v.home(oid)
	if err != nil {
		return err
	}
	if !t.Valid(oid.Index()) {
		return status.ErrNotAllocated.WrapMessage("%v cannot hold a %v", oid, t)
	}
	return v.recordPot(ctx, d, loc, oid.Index(), t, count)
}
