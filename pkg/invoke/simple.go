package invoke

import (
	"context"

	"github.com/oneconcern/capstore/pkg/invoke/status"
	"github.com/oneconcern/capstore/pkg/key"
)

// answerType replies with a key type, and the subtype or permissions of the key
func answerType(k key.Key, sub uint32) Commit {
	return func(r *Reply) {
		r.Words[0] = uint32(k.Type)
		r.Words[1] = sub
	}
}

func unknown(inv *Invocation) error {
	return status.ErrUnknownRequest.WrapMessage("order %d on a %v key", inv.Msg.Order, inv.Key.Type)
}

func invokeVoid(_ context.Context, inv *Invocation) (Commit, error) {
	if inv.Msg.Order != GetType {
		return nil, unknown(inv)
	}
	return answerType(key.VoidKey, 0), nil
}

func invokeNumber(_ context.Context, inv *Invocation) (Commit, error) {
	switch inv.Msg.Order {
	case GetType:
		return answerType(inv.Key, 0), nil
	case NumberGetValue:
		w := inv.Key.Words()
		return func(r *Reply) {
			r.Words = w
		}, nil
	default:
		return nil, unknown(inv)
	}
}

func invokeSchedule(_ context.Context, inv *Invocation) (Commit, error) {
	switch inv.Msg.Order {
	case GetType:
		return answerType(inv.Key, 0), nil
	case ScheduleGetPriority:
		priority := uint32(inv.Key.Data)
		return func(r *Reply) {
			r.Words[0] = priority
		}, nil
	default:
		return nil, unknown(inv)
	}
}

func invokeStart(ctx context.Context, inv *Invocation) (Commit, error) {
	if inv.Key.Perms.Has(key.NoCall) {
		return nil, status.ErrNoAccess.WrapMessage("start key to %v may not call", inv.Key.OID)
	}
	return inv.env.Call(ctx, inv)
}

func invokeResume(ctx context.Context, inv *Invocation) (Commit, error) {
	return inv.env.Return(ctx, inv)
}
