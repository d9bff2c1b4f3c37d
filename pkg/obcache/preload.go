package obcache

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/dgraph-io/badger/v3"
	jsoniter "github.com/json-iterator/go"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/obcache/status"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	objectPref  = [4]byte{'o', 'b', 'j', ':'}
	manifestKey = []byte("meta:manifest")
)

// PreloadManifest describes a preload image
type PreloadManifest struct {
	First   disk.OID  `json:"first"`
	End     disk.OID  `json:"end"`
	Pages   int       `json:"pages"`
	Nodes   int       `json:"nodes"`
	Created time.Time `json:"created"`
}

func objectKey(oid disk.OID) []byte {
	k := make([]byte, len(objectPref)+8)
	copy(k, objectPref[:])
	binary.BigEndian.PutUint64(k[len(objectPref):], uint64(oid))
	return k
}

// badgerLogger routes badger logs to zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.Warnf(format, args...)
}

// OpenPreloadDB opens the badger store holding a preload image. An empty dir opens an in-memory store.
func OpenPreloadDB(dir string, readOnly bool, l *zap.Logger) (*badger.DB, error) {
	if l == nil {
		l = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).
		WithInMemory(dir == "").
		WithReadOnly(readOnly && dir != "").
		WithLogger(badgerLogger{SugaredLogger: l.Named("badger").Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, status.ErrPreload.Wrap(err)
	}
	return db, nil
}

// PreloadSource supplies the read-only objects of a preload image.
//
// Objects may be modified once resident, but changes are not kept: a modified preload
// object stays resident.
type PreloadSource struct {
	claimed
	db       *badger.DB
	manifest PreloadManifest
	epoch    *atomic.Uint32
	owned    bool
}

// NewPreloadSource serves the image held by a badger store
func NewPreloadSource(db *badger.DB, epoch *atomic.Uint32) (*PreloadSource, error) {
	p := &PreloadSource{db: db, epoch: epoch}
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey)
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return jsoniter.Unmarshal(data, &p.manifest)
	})
	if err != nil {
		return nil, status.ErrPreload.Wrap(err)
	}
	if p.manifest.First < disk.FirstNonPersistentOID || p.manifest.End > disk.FirstPhysOID || p.manifest.First > p.manifest.End {
		return nil, status.ErrPreload.WrapMessage("image range [%v,%v) is not in the non-persistent range", p.manifest.First, p.manifest.End)
	}
	p.claimed = claimed{first: p.manifest.First, end: p.manifest.End}
	return p, nil
}

// OpenPreload opens a preload image stored in a directory, read-only
func OpenPreload(dir string, epoch *atomic.Uint32, l *zap.Logger) (*PreloadSource, error) {
	db, err := OpenPreloadDB(dir, true, l)
	if err != nil {
		return nil, err
	}
	p, err := NewPreloadSource(db, epoch)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// Name of the source
func (p *PreloadSource) Name() string {
	return "preload"
}

// Manifest of the image
func (p *PreloadSource) Manifest() PreloadManifest {
	return p.manifest
}

// GetObject decodes an object of the image
func (p *PreloadSource) GetObject(_ context.Context, oid disk.OID, t disk.ObType) (*Image, error) {
	var data []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(oid))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, status.ErrObjectNotFound.WrapMessage("%v is not in the preload image", oid)
	}
	if err != nil {
		return nil, status.ErrPreload.Wrap(err)
	}
	if len(data) < 1 {
		return nil, status.ErrPreload.WrapMessage("empty record for %v", oid)
	}

	img := freshImage(oid, disk.ObType(data[0]), disk.ObCount(p.epoch.Load()))
	if t != disk.TypeFree && img.Type != t {
		return nil, status.ErrWrongType.WrapMessage("%v is a %v", oid, img.Type)
	}
	switch img.Type {
	case disk.TypePage:
		copy(img.Page, data[1:])
	case disk.TypeNode:
		if err = img.Node.Get(data[1:]); err != nil {
			return nil, status.ErrPreload.Wrap(err)
		}
		img.Node.OID = oid
		img.Node.AllocCount = img.AllocCount
		img.CallCount = img.Node.CallCount
	default:
		return nil, status.ErrPreload.WrapMessage("%v has type %v", oid, img.Type)
	}
	return img, nil
}

// WriteBack does not keep changes
func (p *PreloadSource) WriteBack(context.Context, *Image) (bool, error) {
	return false, nil
}

// Invalidate does nothing: the image cannot change
func (p *PreloadSource) Invalidate(disk.OID, disk.ObCount) {}

// IsRemovable tells if an object may be reloaded from the image
func (p *PreloadSource) IsRemovable(_ disk.OID, dirty bool) bool {
	return !dirty
}

// Close the badger store, when it was opened by this source
func (p *PreloadSource) Close() error {
	if p.owned {
		return p.db.Close()
	}
	return nil
}

// PreloadWriter builds a preload image
type PreloadWriter struct {
	db       *badger.DB
	wb       *badger.WriteBatch
	manifest PreloadManifest
}

// NewPreloadWriter starts an image whose objects begin at first
func NewPreloadWriter(db *badger.DB, first disk.OID) *PreloadWriter {
	return &PreloadWriter{
		db:       db,
		wb:       db.NewWriteBatch(),
		manifest: PreloadManifest{First: first, End: first},
	}
}

func (w *PreloadWriter) add(oid disk.OID, t disk.ObType, payload []byte) error {
	if oid < w.manifest.First || oid >= disk.FirstPhysOID {
		return status.ErrPreload.WrapMessage("%v is out of the image range", oid)
	}
	value := make([]byte, 1+len(payload))
	value[0] = byte(t)
	copy(value[1:], payload)
	if err := w.wb.Set(objectKey(oid), value); err != nil {
		return status.ErrPreload.Wrap(err)
	}
	if oid >= w.manifest.End {
		w.manifest.End = disk.FrameOID(oid.Frame() + 1)
	}
	return nil
}

// AddPage adds a page to the image
func (w *PreloadWriter) AddPage(oid disk.OID, data []byte) error {
	if len(data) > disk.PageSize || oid.Index() != 0 {
		return status.ErrPreload.WrapMessage("invalid page %v of %d bytes", oid, len(data))
	}
	if err := w.add(oid, disk.TypePage, data); err != nil {
		return err
	}
	w.manifest.Pages++
	return nil
}

// AddNode adds a node to the image
func (w *PreloadWriter) AddNode(n disk.DiskNode) error {
	if !disk.TypeNode.Valid(n.OID.Index()) {
		return status.ErrPreload.WrapMessage("invalid node %v", n.OID)
	}
	buf := make([]byte, disk.DiskNodeSize)
	n.Put(buf)
	if err := w.add(n.OID, disk.TypeNode, buf); err != nil {
		return err
	}
	w.manifest.Nodes++
	return nil
}

// Close flushes the image and writes its manifest
func (w *PreloadWriter) Close() (PreloadManifest, error) {
	if err := w.wb.Flush(); err != nil {
		return w.manifest, status.ErrPreload.Wrap(err)
	}
	w.manifest.Created = time.Now().UTC()
	data, err := jsoniter.Marshal(w.manifest)
	if err != nil {
		return w.manifest, err
	}
	err = w.db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestKey, data)
	})
	if err != nil {
		return w.manifest, status.ErrPreload.Wrap(err)
	}
	return w.manifest, nil
}
