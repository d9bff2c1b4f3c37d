package kernel

import (
	"context"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/invoke"
	istatus "github.com/oneconcern/capstore/pkg/invoke/status"
	kstatus "github.com/oneconcern/capstore/pkg/kernel/status"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/metrics"
	"github.com/oneconcern/capstore/pkg/obcache"
	obstatus "github.com/oneconcern/capstore/pkg/obcache/status"
	"go.uber.org/zap"
)

// FaultCode tells why a process faulted. It is the first word of the message delivered to
// the fault handler.
type FaultCode uint32

// Fault codes
const (
	FaultOther FaultCode = iota
	FaultMalformed
	FaultBadRegister
	FaultMissingObject
	FaultWrongType
	FaultHost
)

var faultCauses = []struct {
	err  error
	code FaultCode
}{
	{err: kstatus.ErrBadRegister, code: FaultBadRegister},
	{err: kstatus.ErrMalformed, code: FaultMalformed},
	{err: obstatus.ErrObjectNotFound, code: FaultMissingObject},
	{err: obstatus.ErrWrongType, code: FaultWrongType},
}

// faultOf returns the fault code of an error raised by an invocation, if it is a fault of the invoker
func faultOf(err error) (FaultCode, bool) {
	for _, c := range faultCauses {
		if errors.Is(err, c.err) {
			return c.code, true
		}
	}
	return FaultOther, false
}

// Invoke runs an invocation on behalf of a process, and returns its reply. The keys of the
// reply are stored in the registers listed by msg.Receive.
//
// An invocation which cannot proceed waits until it can. Invoking a start key waits for the
// callee to answer. When the invocation is malformed, the process faults, and ErrFaulted is returned.
func (k *Kernel) Invoke(ctx context.Context, pid disk.OID, msg invoke.Message) (invoke.Reply, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, err := k.process(pid)
	if err != nil {
		return invoke.Reply{}, err
	}
	switch p.state {
	case Faulted:
		return invoke.Reply{}, kstatus.ErrFaulted.Wrap(p.fault)
	case Running, Waiting:
		return invoke.Reply{}, kstatus.ErrProcessBusy.WrapMessage("%v is %v", pid, p.state)
	}
	p.state = Running
	act := &activity{k: k, id: k.activities.Inc(), proc: p}

	for {
		reply, err := k.attempt(ctx, act, msg)
		k.cache.UnlockAll(act.id)
		act.root = nil
		k.wake()

		var blocked *invoke.Blocked
		switch {
		case err == nil:
			return k.complete(ctx, act, msg, reply)

		case errors.Is(err, istatus.ErrYielded):

		case errors.As(err, &blocked):
			k.l.Debug("invocation blocked", zap.Stringer("pid", pid), zap.String("reason", blocked.Reason))
			k.mu.Unlock()
			werr := blocked.Wait(ctx)
			k.mu.Lock()
			if werr != nil {
				k.settle(p)
				return invoke.Reply{}, werr
			}

		default:
			if code, isFault := faultOf(err); isFault {
				k.fault(ctx, p, code, err)
				return invoke.Reply{}, kstatus.ErrFaulted.Wrap(err)
			}
			k.settle(p)
			return invoke.Reply{}, err
		}

		if p.state == Faulted {
			return invoke.Reply{}, kstatus.ErrFaulted.Wrap(p.fault)
		}
	}
}

// settle makes a running process available again
func (k *Kernel) settle(p *Process) {
	if p.state == Running {
		p.state = Available
		k.wake()
	}
}

// attempt runs the first phase of an invocation, and its second phase when the first one succeeds
func (k *Kernel) attempt(ctx context.Context, act *activity, msg invoke.Message) (invoke.Reply, error) {
	root, yielded, err := k.cache.GetObject(ctx, act.proc.OID, disk.TypeNode)
	switch {
	case errors.Is(err, obstatus.ErrObjectNotFound), errors.Is(err, obstatus.ErrWrongType):
		return invoke.Reply{}, kstatus.ErrMalformed.Wrap(err)
	case err != nil:
		return invoke.Reply{}, err
	case yielded:
		return invoke.Reply{}, istatus.ErrYielded
	}
	if !k.cache.Lock(root, act.id) {
		return invoke.Reply{}, k.blocked("root of " + root.OID.String() + " is locked")
	}
	act.root = root

	if err := checkRegister(msg.Key); err != nil {
		return invoke.Reply{}, err
	}
	sent := [invoke.MaxKeys]keyring.SlotID{}
	for i, r := range msg.Send {
		if r == invoke.NoReg {
			continue
		}
		if err := checkRegister(r); err != nil {
			return invoke.Reply{}, err
		}
		sent[i] = root.Slot(FirstRegister + int(r))
	}
	for _, r := range msg.Receive {
		if r == invoke.NoReg {
			continue
		}
		if err := checkRegister(r); err != nil {
			return invoke.Reply{}, err
		}
	}

	inv := invoke.NewInvocation(msg, root.Slot(FirstRegister+int(msg.Key)), sent)
	return k.dispatcher.Dispatch(ctx, act, inv)
}

// complete waits for the end of a suspended invocation, and stores the keys of its reply
func (k *Kernel) complete(ctx context.Context, act *activity, msg invoke.Message, reply invoke.Reply) (invoke.Reply, error) {
	p := act.proc
	if wait := reply.Waiter(); wait != nil {
		k.mu.Unlock()
		wait(ctx, &reply)
		k.mu.Lock()
	}
	switch {
	case p.state == Faulted:
		return invoke.Reply{}, kstatus.ErrFaulted.Wrap(p.fault)
	case p.state == Waiting && ctx.Err() != nil:
		// the reply may still be collected with Await
		return invoke.Reply{}, ctx.Err()
	}
	p.state = Available
	k.wake()
	if err := k.receiveKeys(ctx, p, msg.Receive, reply.Keys); err != nil {
		return reply, err
	}
	return reply, nil
}

func (k *Kernel) receiveKeys(ctx context.Context, p *Process, regs [invoke.MaxKeys]invoke.Reg, keys [invoke.MaxKeys]key.Key) error {
	return k.withRoot(ctx, p, func(root *obcache.Object) error {
		for i, r := range regs {
			if r == invoke.NoReg {
				continue
			}
			if err := k.cache.SetNodeKey(root, FirstRegister+int(r), keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Await collects the reply to a call made before a restart, or abandoned by its invoker
func (k *Kernel) Await(ctx context.Context, pid disk.OID, receive [invoke.MaxKeys]invoke.Reg) (invoke.Reply, error) {
	for _, r := range receive {
		if r == invoke.NoReg {
			continue
		}
		if err := checkRegister(r); err != nil {
			return invoke.Reply{}, err
		}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return invoke.Reply{}, err
	}
	if p.state != Waiting {
		return invoke.Reply{}, kstatus.ErrNotWaiting.WrapMessage("%v is %v", pid, p.state)
	}

	var reply invoke.Reply
	k.mu.Unlock()
	select {
	case reply = <-p.replies:
	case <-ctx.Done():
	}
	k.mu.Lock()
	if err := ctx.Err(); err != nil && p.state == Waiting {
		return invoke.Reply{}, err
	}
	if p.state == Faulted {
		return invoke.Reply{}, kstatus.ErrFaulted.Wrap(p.fault)
	}
	p.state = Available
	k.wake()
	return reply, k.receiveKeys(ctx, p, receive, reply.Keys)
}

// Receive waits for the next call delivered to a process. The keys sent by the caller are
// stored in the registers listed by keys, and the resume key answering the caller in resume.
func (k *Kernel) Receive(ctx context.Context, pid disk.OID, keys [invoke.MaxKeys]invoke.Reg, resume invoke.Reg) (invoke.Delivery, error) {
	regs := append(keys[:], resume)
	for _, r := range regs {
		if r == invoke.NoReg {
			continue
		}
		if err := checkRegister(r); err != nil {
			return invoke.Delivery{}, err
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return invoke.Delivery{}, err
	}
	if p.state == Faulted {
		return invoke.Delivery{}, kstatus.ErrFaulted.Wrap(p.fault)
	}

	var d invoke.Delivery
	k.mu.Unlock()
	select {
	case d = <-p.inbox:
	case <-ctx.Done():
	}
	k.mu.Lock()
	if err := ctx.Err(); err != nil {
		return invoke.Delivery{}, err
	}
	k.wake()

	received := append(d.Keys[:], d.Resume)
	err = k.withRoot(ctx, p, func(root *obcache.Object) error {
		for i, r := range regs {
			if r == invoke.NoReg {
				continue
			}
			if err := k.cache.SetNodeKey(root, FirstRegister+int(r), received[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return d, err
}

// Fault stops a process on behalf of the host. A pending call of the process is cancelled.
func (k *Kernel) Fault(ctx context.Context, pid disk.OID, cause error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	k.fault(ctx, p, FaultHost, cause)
	return nil
}

// fault stops a process, cancels its pending call and notifies its fault handler
func (k *Kernel) fault(ctx context.Context, p *Process, code FaultCode, cause error) {
	waiting := p.state == Waiting
	p.state = Faulted
	p.fault = cause
	if code == FaultMalformed {
		p.malformed = true
	}
	k.l.Warn("process faulted", zap.Stringer("pid", p.OID), zap.Uint32("code", uint32(code)), zap.Error(cause))
	if k.MetricsEnabled() {
		metrics.Inc(k.m.Volumetry.Faults, map[string]string{"kind": "fault"})
	}

	var handler key.Key
	err := k.withRoot(ctx, p, func(root *obcache.Object) error {
		if waiting {
			k.bumpCallCount(p, root)
		}
		var err error
		handler, err = k.cache.NodeKey(root, FaultHandlerSlot)
		return err
	})
	if err != nil {
		k.l.Warn("cannot read the root of a faulted process", zap.Stringer("pid", p.OID), zap.Error(err))
	}
	if waiting {
		select {
		case p.replies <- invoke.Reply{Result: invoke.Faulted}:
		default:
		}
	}
	k.wake()
	k.notify(p, handler, code)
}

// notify delivers a fault to the handler designated by a start key
func (k *Kernel) notify(p *Process, handler key.Key, code FaultCode) {
	if handler.Type != key.Start {
		return
	}
	h, ok := k.procs[handler.OID]
	if !ok || h == p {
		k.l.Warn("no fault handler", zap.Stringer("pid", p.OID), zap.Stringer("handler", handler.OID))
		return
	}
	d := invoke.Delivery{
		Order: invoke.FaultOrder,
		Words: [invoke.NumWords]uint32{uint32(code), uint32(p.OID), uint32(uint64(p.OID) >> 32)},
		Badge: handler.Data,
	}
	d.Keys[0] = key.NewObject(key.Start, p.OID, 0, 0)
	if root, ok := k.cache.Lookup(p.OID); ok {
		d.Keys[0].Count = root.AllocCount
	}
	select {
	case h.inbox <- d:
	default:
		k.l.Warn("fault handler is busy, fault dropped", zap.Stringer("pid", p.OID), zap.Stringer("handler", h.OID))
	}
}

// ClearFault makes a faulted process available again
func (k *Kernel) ClearFault(pid disk.OID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	if p.state != Faulted {
		return nil
	}
	p.state = Available
	p.fault = nil
	p.malformed = false
	// a cancelled call may have left its answer behind
	select {
	case <-p.replies:
	default:
	}
	k.wake()
	return nil
}
