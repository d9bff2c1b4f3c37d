package obcache

import (
	"context"

	"github.com/oneconcern/capstore/pkg/disk"
)

// Image is the fully decoded content of an object, as exchanged with object sources
type Image struct {
	OID        disk.OID
	Type       disk.ObType
	AllocCount disk.ObCount
	CallCount  disk.ObCount
	Page       []byte
	Node       disk.DiskNode
}

// Clone returns a deep copy of the image
func (i *Image) Clone() *Image {
	c := *i
	if i.Page != nil {
		c.Page = append([]byte(nil), i.Page...)
	}
	return &c
}

func freshImage(oid disk.OID, t disk.ObType, count disk.ObCount) *Image {
	img := &Image{OID: oid, Type: t, AllocCount: count}
	switch t {
	case disk.TypePage:
		img.Page = make([]byte, disk.PageSize)
	case disk.TypeNode:
		img.Node.OID = oid
		img.Node.AllocCount = count
	}
	return img
}

// Source supplies the objects of some OID range.
//
// Sources are queried in order: each one owns a disjoint sub-range of the OID space.
type Source interface {
	Name() string

	// Range claimed by this source, as [first, end)
	Range() (disk.OID, disk.OID)

	// FindFirstSubrange intersects [first, end) with the objects actually backed by this source
	FindFirstSubrange(first, end disk.OID) (disk.OID, disk.OID, bool)

	// GetObject returns a fully decoded object, or ErrObjectNotFound.
	GetObject(ctx context.Context, oid disk.OID, t disk.ObType) (*Image, error)

	// WriteBack saves a modified object. It returns false when the source does not keep changes.
	WriteBack(ctx context.Context, img *Image) (bool, error)

	// Invalidate tells the source that an object was destroyed: further incarnations of this OID
	// must not use an allocation count lower than count.
	Invalidate(oid disk.OID, count disk.ObCount)

	// IsRemovable tells if a resident object of this source may leave the cache
	IsRemovable(oid disk.OID, dirty bool) bool

	Close() error
}

// claimed implements the generic range intersection of sources
type claimed struct {
	first, end disk.OID
}

func (c claimed) Range() (disk.OID, disk.OID) {
	return c.first, c.end
}

func (c claimed) FindFirstSubrange(first, end disk.OID) (disk.OID, disk.OID, bool) {
	return intersect(c.first, c.end, first, end)
}

func intersect(a0, a1, b0, b1 disk.OID) (disk.OID, disk.OID, bool) {
	lo, hi := a0, a1
	if b0 > lo {
		lo = b0
	}
	if b1 < hi {
		hi = b1
	}
	if lo >= hi {
		return 0, 0, false
	}
	return lo, hi, true
}
