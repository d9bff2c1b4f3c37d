package invoke

import (
	"context"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/invoke/status"
)

func pageRange(offset, size uint64) error {
	if offset+size > disk.PageSize {
		return status.ErrRequest.WrapMessage("[%d,%d) is out of the page", offset, offset+size)
	}
	return nil
}

func invokePage(_ context.Context, inv *Invocation) (Commit, error) {
	c := inv.env.Cache()
	obj := inv.Target
	msg := inv.Msg

	switch msg.Order {
	case GetType:
		return answerType(inv.Key, uint32(inv.Key.Perms)), nil

	case PageRead:
		offset, size := int(msg.Words[0]), int(msg.Words[1])
		if err := pageRange(uint64(msg.Words[0]), uint64(msg.Words[1])); err != nil {
			return nil, err
		}
		return func(r *Reply) {
			data, err := c.ReadPage(obj, offset, size)
			mustCommit(err)
			r.Payload = data
		}, nil

	case PageWrite:
		if err := writable(inv); err != nil {
			return nil, err
		}
		if err := pageRange(uint64(msg.Words[0]), uint64(len(msg.Payload))); err != nil {
			return nil, err
		}
		offset := int(msg.Words[0])
		data := append([]byte(nil), msg.Payload...)
		return func(*Reply) {
			mustCommit(c.WritePage(obj, offset, data))
		}, nil

	case PageClear:
		if err := writable(inv); err != nil {
			return nil, err
		}
		return func(*Reply) {
			mustCommit(c.ClearPage(obj))
		}, nil

	default:
		return nil, unknown(inv)
	}
}
