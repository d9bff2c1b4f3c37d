package obcache

import (
	"bytes"
	"context"
	"testing"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/logdir"
	"github.com/oneconcern/capstore/pkg/obcache/status"
	"github.com/oneconcern/capstore/pkg/storage/localfs"
	"github.com/oneconcern/capstore/pkg/volume"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

func TestRAMSource(t *testing.T) {
	ctx := context.Background()
	epoch := atomic.NewUint32(3)
	r := NewRAMSource(disk.FirstNonPersistentOID, disk.FirstPhysOID, epoch)
	oid := disk.FirstNonPersistentOID + disk.FrameOID(5)

	img, err := r.GetObject(ctx, oid, disk.TypePage)
	require.NoError(t, err)
	assert.Equal(t, disk.ObCount(3), img.AllocCount)
	assert.Equal(t, make([]byte, disk.PageSize), img.Page)

	img.Page[0] = 0xaa
	kept, err := r.WriteBack(ctx, img)
	require.NoError(t, err)
	assert.True(t, kept)
	img.Page[0] = 0 // the source keeps its own copy

	again, err := r.GetObject(ctx, oid, disk.TypePage)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), again.Page[0])

	r.Invalidate(oid, 7)
	again, err = r.GetObject(ctx, oid, disk.TypePage)
	require.NoError(t, err)
	assert.Equal(t, byte(0), again.Page[0])
	assert.Equal(t, disk.ObCount(7), again.AllocCount)

	epoch.Store(9)
	again, err = r.GetObject(ctx, oid, disk.TypePage)
	require.NoError(t, err)
	assert.Equal(t, disk.ObCount(9), again.AllocCount)
}

func TestPhysSource(t *testing.T) {
	ctx := context.Background()
	p := NewPhysSource(4)

	lo, hi, ok := p.FindFirstSubrange(0, disk.MaxOID)
	require.True(t, ok)
	assert.Equal(t, disk.FirstPhysOID, lo)
	assert.Equal(t, disk.FirstPhysOID+disk.FrameOID(4), hi)

	_, _, ok = p.FindFirstSubrange(disk.FirstPhysOID+disk.FrameOID(4), disk.MaxOID)
	assert.False(t, ok)
	p.SetFrames(8)
	_, _, ok = p.FindFirstSubrange(disk.FirstPhysOID+disk.FrameOID(4), disk.MaxOID)
	assert.True(t, ok)
	assert.Equal(t, uint64(8), p.Frames())

	img, err := p.GetObject(ctx, disk.FirstPhysOID+disk.FrameOID(1), disk.TypePage)
	require.NoError(t, err)
	assert.Len(t, img.Page, disk.PageSize)

	_, err = p.GetObject(ctx, disk.FirstPhysOID+disk.FrameOID(1), disk.TypeNode)
	assert.Error(t, err)
}

func TestPreloadSource(t *testing.T) {
	ctx := context.Background()
	db, err := OpenPreloadDB("", false, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	first := disk.FirstNonPersistentOID
	w := NewPreloadWriter(db, first)
	page := bytes.Repeat([]byte{0x5a}, disk.PageSize)
	require.NoError(t, w.AddPage(first, page))

	node := disk.DiskNode{OID: first + disk.FrameOID(1) + 2}
	node.Slots[4] = key.NewNumber(4, 5, 6).ToDisk()
	require.NoError(t, w.AddNode(node))

	assert.Error(t, w.AddPage(first+1, page), "pages live at index 0 of their frame")
	assert.Error(t, w.AddPage(disk.FrameOID(1), page), "preload objects are not persistent")

	manifest, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.Pages)
	assert.Equal(t, 1, manifest.Nodes)
	assert.Equal(t, first+disk.FrameOID(2), manifest.End)

	epoch := atomic.NewUint32(5)
	src, err := NewPreloadSource(db, epoch)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	assert.Equal(t, manifest.End, src.Manifest().End)

	lo, hi := src.Range()
	assert.Equal(t, first, lo)
	assert.Equal(t, manifest.End, hi)

	img, err := src.GetObject(ctx, first, disk.TypePage)
	require.NoError(t, err)
	assert.Equal(t, page, img.Page)
	assert.Equal(t, disk.ObCount(5), img.AllocCount)

	img, err = src.GetObject(ctx, node.OID, disk.TypeFree)
	require.NoError(t, err)
	require.Equal(t, disk.TypeNode, img.Type)
	assert.Equal(t, key.NewNumber(4, 5, 6), key.FromDisk(img.Node.Slots[4]))

	_, err = src.GetObject(ctx, node.OID, disk.TypePage)
	assert.True(t, errors.Is(err, status.ErrWrongType))
	_, err = src.GetObject(ctx, first+disk.FrameOID(1), disk.TypeNode)
	assert.True(t, errors.Is(err, status.ErrObjectNotFound))

	kept, err := src.WriteBack(ctx, img)
	require.NoError(t, err)
	assert.False(t, kept)
	assert.True(t, src.IsRemovable(node.OID, false))
	assert.False(t, src.IsRemovable(node.OID, true))
}

func TestPreloadNotReclaimable(t *testing.T) {
	ctx := context.Background()
	db, err := OpenPreloadDB("", false, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	first := disk.FirstNonPersistentOID
	w := NewPreloadWriter(db, first)
	require.NoError(t, w.AddPage(first, []byte("rom")))
	_, err = w.Close()
	require.NoError(t, err)

	epoch := atomic.NewUint32(1)
	src, err := NewPreloadSource(db, epoch)
	require.NoError(t, err)

	f := &fixture{mem: newMemSource()}
	f.ram = NewRAMSource(disk.FirstNonPersistentOID+disk.FrameOID(1), disk.FirstPhysOID, epoch)
	f.cache = New(keyring.NewArena(64), &f.mu, Sources(src, f.ram), NPEpoch(epoch))
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, _, err := f.cache.GetObject(ctx, first, disk.TypePage)
	require.NoError(t, err)
	data, err := f.cache.ReadPage(obj, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("rom"), data)
	assert.True(t, errors.Is(f.cache.Reclaim(obj, 0), status.ErrReadOnly))

	// non-persistent allocations start after the image
	p, err := f.cache.Allocate(ctx, disk.TypePage, false)
	require.NoError(t, err)
	assert.Equal(t, disk.FirstNonPersistentOID+disk.FrameOID(1), p.OID)
}

func TestPersistentSource(t *testing.T) {
	ctx := context.Background()
	layout := volume.Layout{LogFrames: 16, ObjectClusters: []uint64{1}, SystemID: 1}
	dev, err := localfs.Create(afero.NewMemMapFs(), "/vol", layout.Sectors(), true)
	require.NoError(t, err)
	vol, err := volume.Format(ctx, dev, layout)
	require.NoError(t, err)
	defer func() { _ = vol.Close() }()

	dir := logdir.New()
	src := NewPersistentSource(vol, dir, zaptest.NewLogger(t))

	lo, hi, ok := src.FindFirstSubrange(0, disk.FirstNonPersistentOID)
	require.True(t, ok)
	assert.Equal(t, disk.OID(0), lo)
	assert.Equal(t, disk.FrameOID(disk.FramesPerCluster), hi)

	oid, count, err := vol.Allocate(ctx, disk.TypePage)
	require.NoError(t, err)
	home := bytes.Repeat([]byte{1}, disk.PageSize)
	require.NoError(t, vol.WriteHomePage(ctx, oid, count, home))

	img, err := src.GetObject(ctx, oid, disk.TypeFree)
	require.NoError(t, err)
	assert.Equal(t, disk.TypePage, img.Type)
	assert.Equal(t, count, img.AllocCount)
	assert.Equal(t, home, img.Page)

	// the logged version wins over the home location
	logged := bytes.Repeat([]byte{2}, disk.PageSize)
	require.NoError(t, vol.WriteLogFrame(ctx, disk.LogFirstFrame, logged))
	dir.Record(logdir.Entry{
		ObjectDescriptor: disk.ObjectDescriptor{OID: oid, AllocCount: count + 1, LID: disk.FrameLID(disk.LogFirstFrame), Type: disk.TypePage},
		Generation:       1,
	})
	img, err = src.GetObject(ctx, oid, disk.TypePage)
	require.NoError(t, err)
	assert.Equal(t, count+1, img.AllocCount)
	assert.Equal(t, logged, img.Page)

	_, err = src.GetObject(ctx, oid, disk.TypeNode)
	assert.True(t, errors.Is(err, status.ErrWrongType))

	dir.Record(logdir.Entry{
		ObjectDescriptor: disk.ObjectDescriptor{OID: oid, AllocCount: count + 2, Type: disk.TypeFree},
		Generation:       2,
	})
	_, err = src.GetObject(ctx, oid, disk.TypePage)
	assert.True(t, errors.Is(err, status.ErrObjectNotFound))

	// never allocated
	_, err = src.GetObject(ctx, oid+disk.FrameOID(1), disk.TypePage)
	assert.True(t, errors.Is(err, status.ErrObjectNotFound))

	kept, err := src.WriteBack(ctx, img)
	require.NoError(t, err)
	assert.False(t, kept)
}
