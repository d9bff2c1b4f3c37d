// Package logdir keeps track of the newest logged version of every object in the checkpoint log.
//
// The directory is rebuilt from the generation headers at restart, and updated each time
// a generation is stabilized or migrated.
package logdir

import (
	"sync"

	"github.com/google/btree"
	"github.com/oneconcern/capstore/pkg/disk"
)

const degree = 16

// Entry locates the logged version of an object, captured by some generation
type Entry struct {
	disk.ObjectDescriptor
	Generation uint64
}

// Free tells if this entry records that the object was released
func (e Entry) Free() bool {
	return e.Type == disk.TypeFree
}

// Directory of logged objects. It is safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	byOID *btree.BTreeG[Entry]
	byGen *btree.BTreeG[Entry]
}

func lessOID(a, b Entry) bool {
	return a.OID < b.OID
}

func lessGen(a, b Entry) bool {
	if a.Generation != b.Generation {
		return a.Generation < b.Generation
	}
	return a.OID < b.OID
}

// New empty directory
func New() *Directory {
	return &Directory{
		byOID: btree.NewG[Entry](degree, lessOID),
		byGen: btree.NewG[Entry](degree, lessGen),
	}
}

// Record the location of an object. A record older than the one already known for
// this object is ignored, and Record returns false.
func (d *Directory) Record(e Entry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.byOID.Get(e); ok {
		if old.Generation > e.Generation {
			return false
		}
		d.byGen.Delete(old)
	}
	d.byOID.ReplaceOrInsert(e)
	d.byGen.ReplaceOrInsert(e)
	return true
}

// Find the newest logged version of an object
func (d *Directory) Find(oid disk.OID) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byOID.Get(Entry{ObjectDescriptor: disk.ObjectDescriptor{OID: oid}})
}

// Generation iterates over the objects whose newest version was captured by some generation,
// in OID order, until fn returns false
func (d *Directory) Generation(gen uint64, fn func(Entry) bool) {
	d.mu.RLock()
	entries := make([]Entry, 0, 64)
	d.byGen.AscendRange(Entry{Generation: gen}, Entry{Generation: gen + 1}, func(e Entry) bool {
		entries = append(entries, e)
		return true
	})
	d.mu.RUnlock()

	for _, e := range entries {
		if !fn(e) {
			return
		}
	}
}

// ClearGeneration drops all entries captured by generations up to gen, and returns how many were dropped
func (d *Directory) ClearGeneration(gen uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var drop []Entry
	d.byGen.AscendLessThan(Entry{Generation: gen + 1}, func(e Entry) bool {
		drop = append(drop, e)
		return true
	})
	for _, e := range drop {
		d.byGen.Delete(e)
		d.byOID.Delete(e)
	}
	return len(drop)
}

// Oldest generation with entries in the directory
func (d *Directory) Oldest() (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byGen.Min()
	return e.Generation, ok
}

// Len is the number of objects in the directory
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byOID.Len()
}

// Reset empties the directory
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byOID.Clear(false)
	d.byGen.Clear(false)
}
