package obcache

import (
	"context"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/logdir"
	"github.com/oneconcern/capstore/pkg/obcache/status"
	"github.com/oneconcern/capstore/pkg/volume"
	vstatus "github.com/oneconcern/capstore/pkg/volume/status"
	"go.uber.org/zap"
)

// PersistentSource supplies the objects of the persistent range, from a volume.
//
// The newest logged version of an object wins over its home location.
type PersistentSource struct {
	claimed
	vol *volume.Volume
	dir *logdir.Directory
	l   *zap.Logger
}

// NewPersistentSource serves objects from the object divisions and log of a volume
func NewPersistentSource(vol *volume.Volume, dir *logdir.Directory, l *zap.Logger) *PersistentSource {
	if l == nil {
		l = zap.NewNop()
	}
	first, end := vol.PersistentRange()
	return &PersistentSource{
		claimed: claimed{first: first, end: end},
		vol:     vol,
		dir:     dir,
		l:       l,
	}
}

// Name of the source
func (p *PersistentSource) Name() string {
	return "persistent"
}

// FindFirstSubrange reports the OIDs covered by object divisions
func (p *PersistentSource) FindFirstSubrange(first, end disk.OID) (disk.OID, disk.OID, bool) {
	lo, hi, ok := p.claimed.FindFirstSubrange(first, end)
	if !ok {
		return 0, 0, false
	}
	// divisions may leave holes in the OID space
	for oid := lo; oid < hi; oid = disk.FrameOID(oid.Frame() + 1) {
		if p.vol.Homed(oid) {
			return oid, hi, true
		}
	}
	return 0, 0, false
}

// GetObject reads the newest version of an object
func (p *PersistentSource) GetObject(ctx context.Context, oid disk.OID, t disk.ObType) (*Image, error) {
	if e, ok := p.dir.Find(oid); ok {
		if e.Free() {
			return nil, status.ErrObjectNotFound.WrapMessage("%v was released by generation %d", oid, e.Generation)
		}
		if t != disk.TypeFree && e.Type != t {
			return nil, status.ErrWrongType.WrapMessage("%v is a %v", oid, e.Type)
		}
		return p.fromLog(ctx, e)
	}

	entry, err := p.vol.PotEntry(ctx, oid)
	if err != nil {
		return nil, err
	}
	if t == disk.TypeFree {
		t = entry.Type
	}
	switch t {
	case disk.TypePage:
		data, count, err := p.vol.ReadHomePage(ctx, oid)
		if err != nil {
			return nil, p.notFound(err)
		}
		return &Image{OID: oid, Type: disk.TypePage, AllocCount: count, Page: data}, nil
	case disk.TypeNode:
		n, err := p.vol.ReadHomeNode(ctx, oid)
		if err != nil {
			return nil, p.notFound(err)
		}
		return &Image{OID: oid, Type: disk.TypeNode, AllocCount: n.AllocCount, CallCount: n.CallCount, Node: n}, nil
	default:
		return nil, status.ErrObjectNotFound.WrapMessage("%v is not allocated", oid)
	}
}

func (p *PersistentSource) notFound(err error) error {
	if errors.Is(err, vstatus.ErrNotAllocated) {
		return status.ErrObjectNotFound.Wrap(err)
	}
	return err
}

func (p *PersistentSource) fromLog(ctx context.Context, e logdir.Entry) (*Image, error) {
	buf, err := p.vol.ReadLogFrame(ctx, e.LID.Frame())
	if err != nil {
		return nil, err
	}
	img := &Image{OID: e.OID, Type: e.Type, AllocCount: e.AllocCount, CallCount: e.CallCount}
	switch e.Type {
	case disk.TypePage:
		img.Page = buf
	case disk.TypeNode:
		n, err := disk.GetNode(buf, e.LID.Index())
		if err != nil {
			return nil, err
		}
		if n.OID != e.OID {
			p.l.Error("logged node does not match the log directory",
				zap.Stringer("oid", e.OID), zap.Stringer("lid", e.LID), zap.Stringer("found", n.OID))
			return nil, status.ErrObjectNotFound.WrapMessage("%v is not at %v", e.OID, e.LID)
		}
		img.Node = n
	}
	return img, nil
}

// WriteBack does not keep changes: persistent objects are saved by checkpoints
func (p *PersistentSource) WriteBack(context.Context, *Image) (bool, error) {
	return false, nil
}

// Invalidate does nothing: the tag pot is updated when the object is released
func (p *PersistentSource) Invalidate(disk.OID, disk.ObCount) {}

// IsRemovable tells if a resident object has been captured by a checkpoint
func (p *PersistentSource) IsRemovable(_ disk.OID, dirty bool) bool {
	return !dirty
}

// Close the source. The volume is not closed.
func (p *PersistentSource) Close() error {
	return nil
}
