// Package invoke dispatches key invocations to the handler of the invoked key type.
//
// Handlers run in two phases. The first phase validates the invocation and prepares the
// keys it needs: it may fail, and then leaves no side effect. It returns a Commit, the
// only way to reach the second phase, which performs the effects and cannot fail.
package invoke

import (
	"context"
	"time"

	"github.com/oneconcern/capstore/pkg/ckpt"
	ckptstatus "github.com/oneconcern/capstore/pkg/ckpt/status"
	"github.com/oneconcern/capstore/pkg/dlogger"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/invoke/status"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/metrics"
	"github.com/oneconcern/capstore/pkg/obcache"
	obstatus "github.com/oneconcern/capstore/pkg/obcache/status"
	vstatus "github.com/oneconcern/capstore/pkg/volume/status"
	"go.uber.org/zap"
)

// Env is the kernel an invocation runs against. Its methods are called with the kernel lock held.
type Env interface {
	Cache() *obcache.Cache
	Checkpoints() *ckpt.Manager

	// Activity running the invocation
	Activity() uint64

	// Prepare prepares the object key held by a slot, and returns its target, locked for the
	// current activity. A stale key is voided, and ErrVoided returned. When the kernel lock
	// had to be released, ErrYielded is returned.
	Prepare(ctx context.Context, slot keyring.SlotID) (*obcache.Object, error)

	// Call and Return run the first phase of start and resume key invocations
	Call(ctx context.Context, inv *Invocation) (Commit, error)
	Return(ctx context.Context, inv *Invocation) (Commit, error)
}

// Commit performs the effects of a validated invocation, and fills the reply. It cannot fail.
type Commit func(r *Reply)

// Blocked is returned by a first phase which cannot proceed yet. The kernel releases its lock,
// waits, then starts the invocation over.
type Blocked struct {
	Reason string
	Wait   func(context.Context) error
}

func (b *Blocked) Error() string {
	return "invocation blocked: " + b.Reason
}

type handler func(context.Context, *Invocation) (Commit, error)

var handlers = [key.NumTypes]handler{
	key.Void:     invokeVoid,
	key.Number:   invokeNumber,
	key.Node:     invokeNode,
	key.Page:     invokePage,
	key.Start:    invokeStart,
	key.Resume:   invokeResume,
	key.Device:   invokeDevice,
	key.Schedule: invokeSchedule,
}

// M describes metrics for the dispatcher
type M struct {
	Usage struct {
		Invocations metrics.UsageMetrics `group:"invocations" description:"invocations by key type"`
	} `group:"usage" description:"usage of kernel keys"`
}

// Option for the dispatcher
type Option func(*Dispatcher)

// Logger for the dispatcher
func Logger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.l = l
		}
	}
}

// WithMetrics toggles metrics collection
func WithMetrics(enabled bool) Option {
	return func(d *Dispatcher) {
		d.EnableMetrics(enabled)
	}
}

// Dispatcher of invocations
type Dispatcher struct {
	metrics.Enable
	m *M
	l *zap.Logger
}

// New dispatcher
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{l: zap.NewNop()}
	for _, apply := range opts {
		apply(d)
	}
	d.l = dlogger.For(d.l, "invoke")
	d.m = d.EnsureMetrics("invoke", &M{}).(*M)
	return d
}

// Dispatch runs an invocation of the key held in a slot.
//
// Errors that the invoker may recover from come back as a result code in the reply. Other
// errors are returned: ErrYielded and Blocked ask the kernel to start over, any other one is
// a fault of the invoking process.
func (d *Dispatcher) Dispatch(ctx context.Context, env Env, inv *Invocation) (reply Reply, err error) {
	inv.env = env
	inv.prepared = inv.prepared[:0]
	inv.Key = env.Cache().Arena().Key(inv.Slot)
	inv.Target = nil

	if d.MetricsEnabled() {
		defer func(start time.Time, t key.Type) {
			d.m.Usage.Invocations.UsedAll(start, t.String())(err)
		}(time.Now(), inv.Key.Type)
	}

	if len(inv.Msg.Payload) > MaxPayload {
		return Reply{Result: RequestError}, nil
	}

	if inv.Key.Type.IsObject() {
		obj, perr := inv.prepare(ctx, inv.Slot)
		switch {
		case errors.Is(perr, status.ErrVoided):
			// a stale key behaves as a void key
			inv.Key = key.VoidKey
		case perr != nil:
			return Reply{}, perr
		default:
			inv.Target = obj
		}
	}

	commit, err := handlers[inv.Key.Type](ctx, inv)
	if err != nil {
		if r, ok := ResultOf(err); ok {
			d.l.Debug("invocation refused", zap.Stringer("key", inv.Key), zap.Uint32("order", uint32(inv.Msg.Order)), zap.Error(err))
			return Reply{Result: r}, nil
		}
		return Reply{}, err
	}
	if err = inv.validate(); err != nil {
		return Reply{Result: Voided}, nil
	}

	commit(&reply)
	return reply, nil
}

var results = []struct {
	err    error
	result Result
}{
	{err: status.ErrRequest, result: RequestError},
	{err: status.ErrUnknownRequest, result: UnknownRequest},
	{err: status.ErrNoAccess, result: NoAccess},
	{err: status.ErrVoided, result: Voided},
	{err: obstatus.ErrOutOfRange, result: RequestError},
	{err: obstatus.ErrReadOnly, result: NoAccess},
	{err: obstatus.ErrBusy, result: Busy},
	{err: obstatus.ErrCacheFull, result: NoSpace},
	{err: vstatus.ErrNoFreeFrames, result: NoSpace},
	{err: ckptstatus.ErrFutureTime, result: FutureTime},
	{err: ckptstatus.ErrLimitReached, result: LimitReached},
	{err: ckptstatus.ErrLogFull, result: LimitReached},
}

// ResultOf returns the result code reporting an error to the invoker, when there is one
func ResultOf(err error) (Result, bool) {
	if err == nil {
		return OK, true
	}
	for _, r := range results {
		if errors.Is(err, r.err) {
			return r.result, true
		}
	}
	return 0, false
}

// waitResult reports the outcome of an operation run after the commit point
func waitResult(err error) Result {
	if r, ok := ResultOf(err); ok {
		return r
	}
	return IOError
}

// mustCommit halts the kernel when a second phase fails
func mustCommit(err error) {
	if err != nil {
		panic("invoke: failure after the commit point: " + err.Error())
	}
}
