package obcache

import (
	"sort"

	"go.uber.org/zap"
)

// Demarcate pins every dirty persistent object for a new generation, and returns them
// together with the objects released since the last stable checkpoint.
//
// Pinned objects are clean for the rest of the system, but cannot leave the cache until
// EndGeneration is called.
func (c *Cache) Demarcate(gen uint64) ([]*Object, []Freed) {
	objs := make([]*Object, 0, len(c.resident))
	for _, t := range c.resident {
		obj := c.objs[t]
		if !obj.dirty || !obj.Persistent() {
			continue
		}
		obj.pinned = gen
		obj.dirty = false
		obj.captured = false
		obj.shadow = nil
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].OID < objs[j].OID })

	freed := make([]Freed, 0, len(c.freed))
	for _, f := range c.freed {
		freed = append(freed, f)
	}
	sort.Slice(freed, func(i, j int) bool { return freed[i].OID < freed[j].OID })

	c.l.Debug("demarcation", zap.Uint64("generation", gen), zap.Int("objects", len(objs)), zap.Int("freed", len(freed)))
	return objs, freed
}

// Capture returns the content of a pinned object as of its demarcation
func (c *Cache) Capture(obj *Object) *Image {
	if obj.shadow != nil {
		img := obj.shadow
		obj.shadow = nil
		return img
	}
	obj.captured = true
	return c.image(obj)
}

// EndGeneration unpins the objects of a generation.
//
// When the generation failed, its objects are dirty again, and released objects stay
// pending for the next generation.
func (c *Cache) EndGeneration(gen uint64, objs []*Object, freed []Freed, ok bool) {
	for _, obj := range objs {
		if obj.pinned != gen {
			continue
		}
		obj.pinned = 0
		obj.captured = false
		obj.shadow = nil
		if !ok {
			obj.dirty = true
		}
	}
	if !ok {
		return
	}
	for _, f := range freed {
		if pending, found := c.freed[f.OID]; found && pending.Count == f.Count {
			delete(c.freed, f.OID)
		}
	}
}

// Released reports the persistent objects released and not yet captured by a stable checkpoint
func (c *Cache) Released() int {
	return len(c.freed)
}
