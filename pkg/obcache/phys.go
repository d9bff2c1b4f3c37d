package obcache

import (
	"context"
	"sync"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/obcache/status"
	"go.uber.org/atomic"
)

// PhysSource supplies pages backed by physical memory frames.
//
// It claims every OID from disk.FirstPhysOID, but only the frames currently present are backed,
// and their number changes at runtime.
type PhysSource struct {
	claimed
	frames *atomic.Uint64

	mu     sync.Mutex
	pages  map[uint64][]byte
	counts map[uint64]disk.ObCount
}

// NewPhysSource builds a source for some initial number of physical frames
func NewPhysSource(frames uint64) *PhysSource {
	return &PhysSource{
		claimed: claimed{first: disk.FirstPhysOID, end: disk.MaxOID},
		frames:  atomic.NewUint64(frames),
		pages:   make(map[uint64][]byte),
		counts:  make(map[uint64]disk.ObCount),
	}
}

// Name of the source
func (p *PhysSource) Name() string {
	return "phys"
}

// SetFrames changes the number of physical frames present
func (p *PhysSource) SetFrames(n uint64) {
	p.frames.Store(n)
}

// Frames is the number of physical frames present
func (p *PhysSource) Frames() uint64 {
	return p.frames.Load()
}

// FindFirstSubrange only reports the frames currently present, not the claimed range
func (p *PhysSource) FindFirstSubrange(first, end disk.OID) (disk.OID, disk.OID, bool) {
	backed := disk.FirstPhysOID + disk.FrameOID(p.frames.Load())
	return intersect(disk.FirstPhysOID, backed, first, end)
}

func (p *PhysSource) frame(oid disk.OID) uint64 {
	return (oid - disk.FirstPhysOID).Frame()
}

// GetObject returns the page held by a physical frame
func (p *PhysSource) GetObject(_ context.Context, oid disk.OID, t disk.ObType) (*Image, error) {
	if t == disk.TypeNode || oid.Index() != 0 {
		return nil, status.ErrWrongType.WrapMessage("physical frames only hold pages, %v requested at %v", t, oid)
	}
	if _, _, ok := p.FindFirstSubrange(oid, oid+1); !ok {
		return nil, status.ErrObjectNotFound.WrapMessage("physical frame %v is not present", oid)
	}
	f := p.frame(oid)
	p.mu.Lock()
	defer p.mu.Unlock()
	count := p.counts[f]
	if count == 0 {
		count = 1
	}
	img := freshImage(oid, disk.TypePage, count)
	if data, ok := p.pages[f]; ok {
		copy(img.Page, data)
	}
	return img, nil
}

// WriteBack stores a page in its frame
func (p *PhysSource) WriteBack(_ context.Context, img *Image) (bool, error) {
	f := p.frame(img.OID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages[f] = append([]byte(nil), img.Page...)
	p.counts[f] = img.AllocCount
	return true, nil
}

// Invalidate zeroes a frame
func (p *PhysSource) Invalidate(oid disk.OID, count disk.ObCount) {
	f := p.frame(oid)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pages, f)
	if count > p.counts[f] {
		p.counts[f] = count
	}
}

// IsRemovable is always true: frames keep their content
func (p *PhysSource) IsRemovable(disk.OID, bool) bool {
	return true
}

// Close the source
func (p *PhysSource) Close() error {
	return nil
}
