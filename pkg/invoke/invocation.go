package invoke

import (
	"context"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/invoke/status"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/obcache"
)

// Invocation of a key
type Invocation struct {
	Msg Message

	// Slot holding the invoked key
	Slot keyring.SlotID
	// Sent holds the slots of the keys sent, or keyring.Nil
	Sent [MaxKeys]keyring.SlotID

	// Key invoked, once prepared
	Key key.Key
	// Target of an invoked object key
	Target *obcache.Object

	env      Env
	prepared []preparedKey
}

type preparedKey struct {
	slot  keyring.SlotID
	obj   *obcache.Object
	count disk.ObCount
}

// NewInvocation of the key held in a slot
func NewInvocation(msg Message, slot keyring.SlotID, sent [MaxKeys]keyring.SlotID) *Invocation {
	return &Invocation{Msg: msg, Slot: slot, Sent: sent}
}

// Env of the invocation
func (inv *Invocation) Env() Env {
	return inv.env
}

func (inv *Invocation) arena() *keyring.Arena {
	return inv.env.Cache().Arena()
}

// SentKey returns the i-th key sent, as an unprepared value
func (inv *Invocation) SentKey(i int) key.Key {
	if i < 0 || i >= MaxKeys || inv.Sent[i] == keyring.Nil {
		return key.VoidKey
	}
	return inv.arena().Key(inv.Sent[i])
}

// Prepare the i-th key sent, and return its target.
// Keys which do not designate an object have no target.
func (inv *Invocation) Prepare(ctx context.Context, i int) (*obcache.Object, key.Key, error) {
	if i < 0 || i >= MaxKeys || inv.Sent[i] == keyring.Nil {
		return nil, key.VoidKey, status.ErrRequest.WrapMessage("no key sent in position %d", i)
	}
	slot := inv.Sent[i]
	k := inv.arena().Key(slot)
	if !k.Type.IsObject() {
		return nil, k, nil
	}
	obj, err := inv.prepare(ctx, slot)
	if err != nil {
		return nil, key.VoidKey, err
	}
	return obj, inv.arena().Key(slot), nil
}

func (inv *Invocation) prepare(ctx context.Context, slot keyring.SlotID) (*obcache.Object, error) {
	obj, err := inv.env.Prepare(ctx, slot)
	if err != nil {
		return nil, err
	}
	inv.prepared = append(inv.prepared, preparedKey{slot: slot, obj: obj, count: inv.arena().Key(slot).Count})
	return obj, nil
}

// validate checks that every key prepared by the first phase still designates its target
func (inv *Invocation) validate() error {
	arena := inv.arena()
	for _, p := range inv.prepared {
		if !arena.Valid(p.slot) {
			return status.ErrVoided.WrapMessage("slot %d was released", p.slot)
		}
		target, ok := arena.Prepared(p.slot)
		if !ok || target != p.obj.Target || arena.Key(p.slot).Count != p.count {
			return status.ErrVoided.WrapMessage("slot %d no longer designates %v", p.slot, p.obj.OID)
		}
	}
	return nil
}
