package volume

import (
	"context"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/volume/status"
)

// ReadLogFrame reads a frame of the log division
func (v *Volume) ReadLogFrame(ctx context.Context, frame uint64) ([]byte, error) {
	if frame >= v.log.Frames() {
		return nil, status.ErrLogRange.WrapMessage("frame %d", frame)
	}
	buf := make([]byte, disk.PageSize)
	if err := v.dev.ReadAt(ctx, buf, v.log.FrameSector(frame)); err != nil {
		return nil, err
	}
	if v.MetricsEnabled() {
		v.m.Volumetry.Log.Add(1, disk.PageSize, "read")
	}
	return buf, nil
}

// WriteLogFrame writes a frame of the log division
func (v *Volume) WriteLogFrame(ctx context.Context, frame uint64, buf []byte) error {
	if frame >= v.log.Frames() {
		return status.ErrLogRange.WrapMessage("frame %d", frame)
	}
	if err := v.dev.WriteAt(ctx, buf, v.log.FrameSector(frame)); err != nil {
		return err
	}
	if v.MetricsEnabled() {
		v.m.Volumetry.Log.Add(1, disk.PageSize, "write")
	}
	return nil
}

// ReadRoots reads both checkpoint root slots. An unreadable slot is returned as nil.
func (v *Volume) ReadRoots(ctx context.Context) ([2][]byte, error) {
	var slots [2][]byte
	var lastErr error
	for i, lid := range disk.RootSlots {
		buf, err := v.ReadLogFrame(ctx, lid.Frame())
		if err != nil {
			lastErr = err
			continue
		}
		slots[i] = buf
	}
	if slots[0] == nil && slots[1] == nil {
		return slots, lastErr
	}
	return slots, nil
}

// WriteRoot writes a checkpoint root to one of the root slots
func (v *Volume) WriteRoot(ctx context.Context, slot int, root disk.CheckpointRoot) error {
	buf, err := root.MarshalBinary()
	if err != nil {
		return err
	}
	return v.WriteLogFrame(ctx, disk.RootSlots[slot].Frame(), buf)
}

func (v *Volume) home(oid disk.OID) (disk.Division, disk.ObjectLoc, error) {
	d, ok := v.divs.FindObject(oid)
	if !ok {
		return disk.Division{}, disk.ObjectLoc{}, status.ErrNotHomed.WrapMessage("oid %v", oid)
	}
	loc, _ := d.Locate(oid)
	return d, loc, nil
}

// Homed tells if an OID has a home location on this volume
func (v *Volume) Homed(oid disk.OID) bool {
	_, ok := v.divs.FindObject(oid)
	return ok
}

// PersistentRange returns the OID range covered by object divisions, as [first, end)
func (v *Volume) PersistentRange() (disk.OID, disk.OID) {
	var first, end disk.OID
	for i, d := range v.divs.Objects() {
		if i == 0 || d.StartOID < first {
			first = d.StartOID
		}
		if d.EndOID() > end {
			end = d.EndOID()
		}
	}
	return first, end
}

func (v *Volume) readHomeFrame(ctx context.Context, d disk.Division, loc disk.ObjectLoc) ([]byte, error) {
	buf := make([]byte, disk.PageSize)
	if err := v.dev.ReadAt(ctx, buf, d.FrameSector(loc.Frame)); err != nil {
		return nil, err
	}
	if v.MetricsEnabled() {
		v.m.Volumetry.Home.Add(1, disk.PageSize, "read")
	}
	return buf, nil
}

func (v *Volume) writeHomeFrame(ctx context.Context, d disk.Division, loc disk.ObjectLoc, buf []byte) error {
	if err := v.dev.WriteAt(ctx, buf, d.FrameSector(loc.Frame)); err != nil {
		return err
	}
	if v.MetricsEnabled() {
		v.m.Volumetry.Home.Add(1, disk.PageSize, "write")
	}
	return nil
}

// ReadHomePage reads a page from its home location, with its allocation count
func (v *Volume) ReadHomePage(ctx context.Context, oid disk.OID) ([]byte, disk.ObCount, error) {
	d, loc, err := v.home(oid)
	if err != nil {
		return nil, 0, err
	}
	entry, err := v.potEntry(ctx, d, loc)
	if err != nil {
		return nil, 0, err
	}
	if entry.Type != disk.TypePage || oid.Index() != 0 {
		return nil, 0, status.ErrNotAllocated.WrapMessage("page %v is a %v frame", oid, entry.Type)
	}
	buf, err := v.readHomeFrame(ctx, d, loc)
	if err != nil {
		return nil, 0, err
	}
	return buf, entry.Count, nil
}

// ReadHomeNode reads a node from its home location
func (v *Volume) ReadHomeNode(ctx context.Context, oid disk.OID) (disk.DiskNode, error) {
	d, loc, err := v.home(oid)
	if err != nil {
		return disk.DiskNode{}, err
	}
	entry, err := v.potEntry(ctx, d, loc)
	if err != nil {
		return disk.DiskNode{}, err
	}
	if entry.Type != disk.TypeNode || !disk.TypeNode.Valid(oid.Index()) || entry.Flags&(1<<oid.Index()) == 0 {
		return disk.DiskNode{}, status.ErrNotAllocated.WrapMessage("node %v in a %v frame", oid, entry.Type)
	}
	buf, err := v.readHomeFrame(ctx, d, loc)
	if err != nil {
		return disk.DiskNode{}, err
	}
	n, err := disk.GetNode(buf, oid.Index())
	if err != nil {
		return n, err
	}
	if n.OID != oid || n.AllocCount == 0 {
		// allocated, but never migrated home
		n = disk.DiskNode{OID: oid, AllocCount: entry.Count}
	}
	return n, nil
}

// WriteHomePage writes a page to its home location and records it in the tag pot
func (v *Volume) WriteHomePage(ctx context.Context, oid disk.OID, count disk.ObCount, data []byte) error {
	d, loc, err := v.home(oid)
	if err != nil {
		return err
	}
	if err = v.writeHomeFrame(ctx, d, loc, data); err != nil {
		return err
	}
	return v.recordPot(ctx, d, loc, oid.Index(), disk.TypePage, count)
}

// WriteHomeNode writes a node to its home location and records it in the tag pot.
// Other nodes of the frame are preserved.
func (v *Volume) WriteHomeNode(ctx context.Context, n disk.DiskNode) error {
	d, loc, err := v.home(n.OID)
	if err != nil {
		return err
	}
	entry, err := v.potEntry(ctx, d, loc)
	if err != nil {
		return err
	}
	buf := make([]byte, disk.PageSize)
	if entry.Type == disk.TypeNode {
		if buf, err = v.readHomeFrame(ctx, d, loc); err != nil {
			return err
		}
	}
	if err = disk.PutNode(buf, n.OID.Index(), &n); err != nil {
		return err
	}
	if err = v.writeHomeFrame(ctx, d, loc, buf); err != nil {
		return err
	}
	return v.recordPot(ctx, d, loc, n.OID.Index(), disk.TypeNode, n.AllocCount)
}
