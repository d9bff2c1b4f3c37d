package obcache

import (
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/obcache/status"
)

// MarkDirty must be called before an object is changed.
//
// When the object is held by a generation which has not captured it yet, its current
// content is saved first, for that generation.
func (c *Cache) MarkDirty(obj *Object) {
	if obj.pinned != 0 && !obj.captured {
		obj.shadow = c.image(obj)
		obj.captured = true
	}
	obj.dirty = true
	c.recency.Get(obj.OID)
}

func (c *Cache) checkSlot(obj *Object, i int) error {
	if obj.Type != disk.TypeNode {
		return status.ErrWrongType.WrapMessage("%v is a %v", obj.OID, obj.Type)
	}
	if i < 0 || i >= disk.NodeSlots {
		return status.ErrOutOfRange.WrapMessage("slot %d", i)
	}
	return nil
}

func (c *Cache) checkPage(obj *Object, offset, size int) error {
	if obj.Type != disk.TypePage {
		return status.ErrWrongType.WrapMessage("%v is a %v", obj.OID, obj.Type)
	}
	if offset < 0 || size < 0 || offset+size > disk.PageSize {
		return status.ErrOutOfRange.WrapMessage("[%d,%d) is out of the page", offset, offset+size)
	}
	return nil
}

// NodeKey returns the key in a slot of a node
func (c *Cache) NodeKey(obj *Object, i int) (key.Key, error) {
	if err := c.checkSlot(obj, i); err != nil {
		return key.VoidKey, err
	}
	return c.arena.Key(obj.slots[i]), nil
}

// SetNodeKey stores an unprepared key in a slot of a node
func (c *Cache) SetNodeKey(obj *Object, i int, k key.Key) error {
	if err := c.checkSlot(obj, i); err != nil {
		return err
	}
	c.MarkDirty(obj)
	c.arena.Set(obj.slots[i], k)
	return nil
}

// CopyToNode copies the key held by an arena slot into a slot of a node.
// A prepared key stays prepared.
func (c *Cache) CopyToNode(obj *Object, i int, src keyring.SlotID) error {
	if err := c.checkSlot(obj, i); err != nil {
		return err
	}
	c.MarkDirty(obj)
	c.arena.Copy(obj.slots[i], src)
	return nil
}

// ClearNode voids all slots of a node
func (c *Cache) ClearNode(obj *Object) error {
	if obj.Type != disk.TypeNode {
		return status.ErrWrongType.WrapMessage("%v is a %v", obj.OID, obj.Type)
	}
	c.MarkDirty(obj)
	for _, s := range obj.slots {
		c.arena.Void(s)
	}
	return nil
}

// ReadPage returns a copy of some bytes of a page
func (c *Cache) ReadPage(obj *Object, offset, size int) ([]byte, error) {
	if err := c.checkPage(obj, offset, size); err != nil {
		return nil, err
	}
	c.recency.Get(obj.OID)
	return append([]byte(nil), obj.page[offset:offset+size]...), nil
}

// WritePage changes some bytes of a page
func (c *Cache) WritePage(obj *Object, offset int, data []byte) error {
	if err := c.checkPage(obj, offset, len(data)); err != nil {
		return err
	}
	c.MarkDirty(obj)
	copy(obj.page[offset:], data)
	return nil
}

// ClearPage zeroes a page
func (c *Cache) ClearPage(obj *Object) error {
	if err := c.checkPage(obj, 0, 0); err != nil {
		return err
	}
	c.MarkDirty(obj)
	for i := range obj.page {
		obj.page[i] = 0
	}
	return nil
}

// image encodes the current content of an object
func (c *Cache) image(obj *Object) *Image {
	img := &Image{
		OID:        obj.OID,
		Type:       obj.Type,
		AllocCount: obj.AllocCount,
		CallCount:  obj.CallCount,
	}
	switch obj.Type {
	case disk.TypePage:
		img.Page = append([]byte(nil), obj.page...)
	case disk.TypeNode:
		img.Node.OID = obj.OID
		img.Node.AllocCount = obj.AllocCount
		img.Node.CallCount = obj.CallCount
		for i, s := range obj.slots {
			img.Node.Slots[i] = c.arena.Key(s).ToDisk()
		}
	}
	return img
}

// Image returns the current encoding of an object
func (c *Cache) Image(obj *Object) *Image {
	return c.image(obj)
}

// Each calls fn for each resident object, until fn returns false
func (c *Cache) Each(fn func(*Object) bool) {
	for _, t := range c.resident {
		if !fn(c.objs[t]) {
			return
		}
	}
}
