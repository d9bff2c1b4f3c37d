package invoke

import (
	"context"
	"encoding/binary"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/invoke/status"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
)

const numberPayload = 12

func slotIndex(w uint32) (int, error) {
	if w >= disk.NodeSlots {
		return 0, status.ErrRequest.WrapMessage("slot %d is out of the node", w)
	}
	return int(w), nil
}

func writable(inv *Invocation) error {
	if inv.Key.Perms.Has(key.ReadOnly) {
		return status.ErrNoAccess.WrapMessage("%v key to %v is read-only", inv.Key.Type, inv.Key.OID)
	}
	return nil
}

// fetched is the key answered by fetching k through a weak key
func fetched(k key.Key, weak bool) key.Key {
	if !weak {
		return k
	}
	switch k.Type {
	case key.Node, key.Page:
		return k.Reduce(key.ReadOnly | key.Weak)
	case key.Void, key.Number, key.Schedule:
		return k
	default:
		return key.VoidKey
	}
}

func invokeNode(_ context.Context, inv *Invocation) (Commit, error) {
	c := inv.env.Cache()
	obj := inv.Target
	msg := inv.Msg

	switch msg.Order {
	case GetType:
		return answerType(inv.Key, uint32(inv.Key.Perms)), nil

	case NodeGetSlot:
		i, err := slotIndex(msg.Words[0])
		if err != nil {
			return nil, err
		}
		weak := inv.Key.Perms.Has(key.Weak)
		return func(r *Reply) {
			k, err := c.NodeKey(obj, i)
			mustCommit(err)
			r.Keys[0] = fetched(k, weak)
		}, nil

	case NodeSwapSlot:
		if err := writable(inv); err != nil {
			return nil, err
		}
		i, err := slotIndex(msg.Words[0])
		if err != nil {
			return nil, err
		}
		src := inv.Sent[0]
		return func(r *Reply) {
			old, err := c.NodeKey(obj, i)
			mustCommit(err)
			if src == keyring.Nil {
				mustCommit(c.SetNodeKey(obj, i, key.VoidKey))
			} else {
				mustCommit(c.CopyToNode(obj, i, src))
			}
			r.Keys[0] = old
		}, nil

	case NodeClear:
		if err := writable(inv); err != nil {
			return nil, err
		}
		return func(*Reply) {
			mustCommit(c.ClearNode(obj))
		}, nil

	case NodeReduce:
		if msg.Words[0] > uint32(key.ReadOnly|key.NoCall|key.Weak) {
			return nil, status.ErrRequest.WrapMessage("invalid permissions %#x", msg.Words[0])
		}
		reduced := inv.Key.Reduce(key.Perm(msg.Words[0]))
		return func(r *Reply) {
			r.Keys[0] = reduced
		}, nil

	case NodeWriteNumber:
		if err := writable(inv); err != nil {
			return nil, err
		}
		i, err := slotIndex(msg.Words[0])
		if err != nil {
			return nil, err
		}
		if len(msg.Payload) != numberPayload {
			return nil, status.ErrRequest.WrapMessage("a number is %d bytes, not %d", numberPayload, len(msg.Payload))
		}
		n := key.NewNumber(
			binary.LittleEndian.Uint32(msg.Payload[0:]),
			binary.LittleEndian.Uint32(msg.Payload[4:]),
			binary.LittleEndian.Uint32(msg.Payload[8:]),
		)
		return func(*Reply) {
			mustCommit(c.SetNodeKey(obj, i, n))
		}, nil

	default:
		return nil, unknown(inv)
	}
}
