package kernel

import (
	"context"

	"github.com/oneconcern/capstore/pkg/ckpt"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/invoke"
	istatus "github.com/oneconcern/capstore/pkg/invoke/status"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/obcache"
	obstatus "github.com/oneconcern/capstore/pkg/obcache/status"
)

var (
	_ invoke.Env     = &activity{}
	_ ckpt.Processes = &Kernel{}
)

// activity runs the invocations of a process. Its methods are called with the kernel lock held.
type activity struct {
	k    *Kernel
	id   uint64
	proc *Process
	// root of the process, locked by the current attempt
	root *obcache.Object
}

func (a *activity) Cache() *obcache.Cache {
	return a.k.cache
}

func (a *activity) Checkpoints() *ckpt.Manager {
	return a.k.ckpt
}

func (a *activity) Activity() uint64 {
	return a.id
}

// Prepare the object key held by a slot.
//
// Slots used by an activity belong to objects it holds locked, and locked objects stay
// resident: the slot survives a release of the kernel lock while the target is fetched.
func (a *activity) Prepare(ctx context.Context, slot keyring.SlotID) (*obcache.Object, error) {
	k := a.k
	kk := k.arena.Key(slot)
	if !kk.Type.IsObject() {
		return nil, istatus.ErrRequest.WrapMessage("a %v key has no object", kk.Type)
	}

	if target, ok := k.arena.Prepared(slot); ok {
		if obj, ok := k.cache.Object(target); ok {
			return a.lock(obj)
		}
	}

	obj, yielded, err := k.cache.GetObject(ctx, kk.OID, kk.Type.ObjectType())
	switch {
	case errors.Is(err, obstatus.ErrObjectNotFound), errors.Is(err, obstatus.ErrWrongType):
		// the object was reclaimed, and the OID possibly reused
		k.arena.Void(slot)
		return nil, istatus.ErrVoided.Wrap(err)
	case err != nil:
		return nil, err
	case yielded:
		return nil, istatus.ErrYielded
	}

	count := obj.AllocCount
	if kk.Type == key.Resume {
		count = obj.CallCount
	}
	if kk.Count != count {
		k.arena.Void(slot)
		return nil, istatus.ErrVoided.WrapMessage("%v key to %v has count %d, not %d", kk.Type, kk.OID, kk.Count, count)
	}
	if _, err := a.lock(obj); err != nil {
		return nil, err
	}
	k.arena.Link(obj.Ring, slot, obj.Target)
	return obj, nil
}

func (a *activity) lock(obj *obcache.Object) (*obcache.Object, error) {
	if !a.k.cache.Lock(obj, a.id) {
		return nil, a.k.blocked("object " + obj.OID.String() + " is locked")
	}
	return obj, nil
}

// Call delivers a message to the process designated by a start key, and suspends the caller
// until it is answered through the resume key delivered along.
func (a *activity) Call(_ context.Context, inv *invoke.Invocation) (invoke.Commit, error) {
	k := a.k
	callee, ok := k.procs[inv.Target.OID]
	switch {
	case !ok:
		return nil, istatus.ErrRequest.WrapMessage("%v is not a process", inv.Target.OID)
	case callee == a.proc:
		return nil, istatus.ErrRequest.WrapMessage("%v cannot call itself", callee.OID)
	case callee.state == Faulted:
		return nil, k.blocked("callee " + callee.OID.String() + " is faulted")
	case len(callee.inbox) == cap(callee.inbox):
		return nil, k.blocked("inbox of " + callee.OID.String() + " is full")
	}

	caller, root := a.proc, a.root
	d := invoke.Delivery{
		Order:   inv.Msg.Order,
		Words:   inv.Msg.Words,
		Badge:   inv.Key.Data,
		Payload: append([]byte(nil), inv.Msg.Payload...),
	}
	for i := range d.Keys {
		d.Keys[i] = inv.SentKey(i)
	}

	return func(r *invoke.Reply) {
		d.Resume = key.NewObject(key.Resume, caller.OID, root.CallCount, 0)
		callee.inbox <- d
		caller.state = Waiting
		k.wake()
		r.Suspend(func(ctx context.Context, r *invoke.Reply) {
			select {
			case reply := <-caller.replies:
				*r = reply
			case <-ctx.Done():
			}
		})
	}, nil
}

// Return answers the process designated by a resume key. Other resume keys to that process
// are voided.
func (a *activity) Return(_ context.Context, inv *invoke.Invocation) (invoke.Commit, error) {
	k := a.k
	caller, ok := k.procs[inv.Target.OID]
	if !ok || caller.state != Waiting {
		return nil, istatus.ErrRequest.WrapMessage("%v does not wait for a reply", inv.Target.OID)
	}
	root := inv.Target
	reply := invoke.Reply{
		Result:  invoke.Result(inv.Msg.Order),
		Words:   inv.Msg.Words,
		Payload: append([]byte(nil), inv.Msg.Payload...),
	}
	for i := range reply.Keys {
		reply.Keys[i] = inv.SentKey(i)
	}

	return func(*invoke.Reply) {
		k.bumpCallCount(caller, root)
		caller.replies <- reply
		k.wake()
	}, nil
}

// bumpCallCount makes resume keys to a process stale
func (k *Kernel) bumpCallCount(p *Process, root *obcache.Object) {
	k.cache.MarkDirty(root)
	root.CallCount++
	p.callCount = root.CallCount
	k.arena.ZapResumeKeys(root.Ring)
}
