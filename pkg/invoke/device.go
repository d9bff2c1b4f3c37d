package invoke

import (
	"context"

	"github.com/oneconcern/capstore/pkg/ckpt/status"
	"github.com/oneconcern/capstore/pkg/disk"
	istatus "github.com/oneconcern/capstore/pkg/invoke/status"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/obcache"
	obstatus "github.com/oneconcern/capstore/pkg/obcache/status"
)

func invokeDevice(ctx context.Context, inv *Invocation) (Commit, error) {
	sub := inv.Key.DeviceType()
	if inv.Msg.Order == GetType {
		return answerType(inv.Key, uint32(sub)), nil
	}
	switch sub {
	case key.DeviceCheckpoint:
		return invokeCheckpoint(ctx, inv)
	case key.DeviceRange:
		return invokeRange(ctx, inv)
	default:
		return nil, unknown(inv)
	}
}

func split(v uint64) (uint32, uint32) {
	return uint32(v), uint32(v >> 32)
}

func invokeCheckpoint(_ context.Context, inv *Invocation) (Commit, error) {
	mgr := inv.env.Checkpoints()
	if mgr == nil {
		return nil, unknown(inv)
	}

	switch inv.Msg.Order {
	case CheckpointEnsure:
		target := uint64(inv.Msg.Words[0]) | uint64(inv.Msg.Words[1])<<32
		now := mgr.Clock().Now()
		if target == 0 {
			target = now
		}
		if target > now {
			return nil, status.ErrFutureTime.WrapMessage("%d is after %d", target, now)
		}
		return func(r *Reply) {
			r.Suspend(func(ctx context.Context, r *Reply) {
				r.Result = waitResult(mgr.EnsureCheckpoint(ctx, target))
				r.Words[0], r.Words[1] = split(mgr.Status().Stable)
			})
		}, nil

	case CheckpointStatus:
		return func(r *Reply) {
			st := mgr.Status()
			r.Words[0] = uint32(st.State)
			r.Words[1] = uint32(st.Stable)
			r.Words[2] = uint32(st.Unmigrated)
		}, nil

	case CheckpointMigrate:
		return func(r *Reply) {
			r.Suspend(func(ctx context.Context, r *Reply) {
				gen, err := mgr.Migrate(ctx)
				r.Result = waitResult(err)
				r.Words[0], r.Words[1] = split(gen)
			})
		}, nil

	default:
		return nil, unknown(inv)
	}
}

func invokeRange(ctx context.Context, inv *Invocation) (Commit, error) {
	c := inv.env.Cache()
	msg := inv.Msg

	switch msg.Order {
	case RangeAllocNode, RangeAllocPage:
		t, kt := disk.TypeNode, key.Node
		if msg.Order == RangeAllocPage {
			t, kt = disk.TypePage, key.Page
		}
		// allocation is the last step of the first phase: it fails with no effect, or succeeds
		obj, err := c.Allocate(ctx, t, msg.Words[0] != 0)
		if err != nil {
			return nil, err
		}
		k := key.NewObject(kt, obj.OID, obj.AllocCount, 0)
		return func(r *Reply) {
			r.Keys[0] = k
		}, nil

	case RangeRescind:
		obj, err := rangeTarget(ctx, inv)
		if err != nil {
			return nil, err
		}
		return func(r *Reply) {
			r.Words[0] = uint32(c.Rescind(obj))
		}, nil

	case RangeReclaim:
		obj, err := rangeTarget(ctx, inv)
		if err != nil {
			return nil, err
		}
		if _, readOnly := obj.Source().(*obcache.PreloadSource); readOnly {
			return nil, obstatus.ErrReadOnly.WrapMessage("%v belongs to the preload image", obj.OID)
		}
		if gen, pinned := obj.Pinned(); pinned {
			return nil, obstatus.ErrBusy.WrapMessage("%v is pinned by generation %d", obj.OID, gen)
		}
		// the key sent does not keep its target alive
		sent := inv.Sent[0]
		if others := preparedElsewhere(c.Arena(), obj.Ring, sent); others > 0 {
			return nil, obstatus.ErrBusy.WrapMessage("%v is designated by %d prepared keys", obj.OID, others)
		}
		activity := inv.env.Activity()
		return func(*Reply) {
			c.Arena().Unlink(sent)
			mustCommit(c.Reclaim(obj, activity))
		}, nil

	case RangeIdentify:
		obj, err := rangeTarget(ctx, inv)
		if err != nil {
			return nil, err
		}
		oid, t := obj.OID, obj.Type
		return func(r *Reply) {
			r.Words[0] = uint32(t)
			r.Words[1], r.Words[2] = split(uint64(oid))
		}, nil

	default:
		return nil, unknown(inv)
	}
}

// preparedElsewhere counts the keys prepared on a ring, but for one slot
func preparedElsewhere(a *keyring.Arena, ring, except keyring.SlotID) int {
	n := 0
	a.Walk(ring, func(id keyring.SlotID, _ key.Key) bool {
		if id != except {
			n++
		}
		return true
	})
	return n
}

func rangeTarget(ctx context.Context, inv *Invocation) (*obcache.Object, error) {
	obj, k, err := inv.Prepare(ctx, 0)
	if err != nil {
		return nil, err
	}
	if obj == nil || (k.Type != key.Node && k.Type != key.Page) {
		return nil, istatus.ErrRequest.WrapMessage("a %v key has no object", k.Type)
	}
	return obj, nil
}
