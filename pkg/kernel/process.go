package kernel

import (
	"context"
	"fmt"
	"sort"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/invoke"
	kstatus "github.com/oneconcern/capstore/pkg/kernel/status"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/metrics"
	"github.com/oneconcern/capstore/pkg/obcache"
	"go.uber.org/zap"
)

// Layout of the root node of a process
const (
	// FaultHandlerSlot holds the start key of the process notified of faults
	FaultHandlerSlot = 0
	// ScheduleSlot holds the schedule key of the process
	ScheduleSlot = 1
	// FirstRegister is the slot of key register 0
	FirstRegister = 2
	// NumRegisters is the number of key registers of a process
	NumRegisters = disk.NodeSlots - FirstRegister

	// InboxSize is the number of calls queued for a process before callers block
	InboxSize = 8

	// DefaultPriority of new processes
	DefaultPriority = 8
)

// State of a process
type State uint8

// Process states
const (
	Available State = iota
	Running
	Waiting
	Faulted
)

const malformedBit = 0x80

func (s State) String() string {
	switch s {
	case Available:
		return "available"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText renders a state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Process is the kernel side of a process. Its root node lives in the object cache.
type Process struct {
	OID disk.OID

	state     State
	malformed bool
	fault     error
	callCount disk.ObCount

	inbox   chan invoke.Delivery
	replies chan invoke.Reply
}

func newProcess(oid disk.OID, callCount disk.ObCount) *Process {
	return &Process{
		OID:       oid,
		callCount: callCount,
		inbox:     make(chan invoke.Delivery, InboxSize),
		replies:   make(chan invoke.Reply, 1),
	}
}

func (p *Process) descriptor() disk.ProcessDescriptor {
	state := uint8(p.state)
	if p.malformed {
		state |= malformedBit
	}
	return disk.ProcessDescriptor{OID: p.OID, CallCount: p.callCount, State: state}
}

// ProcessInfo describes a process
type ProcessInfo struct {
	OID       disk.OID     `json:"oid" yaml:"oid"`
	State     State        `json:"state" yaml:"state"`
	Malformed bool         `json:"malformed,omitempty" yaml:"malformed,omitempty"`
	CallCount disk.ObCount `json:"callCount" yaml:"callCount"`
	Pending   int          `json:"pending" yaml:"pending"`
	Fault     string       `json:"fault,omitempty" yaml:"fault,omitempty"`
}

func (p *Process) info() ProcessInfo {
	info := ProcessInfo{
		OID:       p.OID,
		State:     p.state,
		Malformed: p.malformed,
		CallCount: p.callCount,
		Pending:   len(p.inbox),
	}
	if p.fault != nil {
		info.Fault = p.fault.Error()
	}
	return info
}

// Snapshot lists processes in OID order. It is called by demarcations, with the kernel lock held.
func (k *Kernel) Snapshot() []disk.ProcessDescriptor {
	procs := make([]disk.ProcessDescriptor, 0, len(k.procs))
	for _, p := range k.procs {
		procs = append(procs, p.descriptor())
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].OID < procs[j].OID })
	return procs
}

// restore processes captured by a generation. Running processes are available again:
// their invocation never committed.
func (k *Kernel) restore(procs []disk.ProcessDescriptor) {
	for _, d := range procs {
		p := newProcess(d.OID, d.CallCount)
		p.malformed = d.State&malformedBit != 0
		p.state = State(d.State &^ malformedBit)
		if p.state == Running {
			p.state = Available
		}
		k.procs[d.OID] = p
	}
	if k.MetricsEnabled() {
		metrics.Int64(k.m.Volumetry.Processes, int64(len(k.procs)), map[string]string{"kind": "restored"})
	}
}

// Processes lists all processes in OID order
func (k *Kernel) Processes() []ProcessInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	infos := make([]ProcessInfo, 0, len(k.procs))
	for _, p := range k.procs {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].OID < infos[j].OID })
	return infos
}

// Process describes a process
func (k *Kernel) Process(pid disk.OID) (ProcessInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return ProcessInfo{}, err
	}
	return p.info(), nil
}

func (k *Kernel) process(pid disk.OID) (*Process, error) {
	p, ok := k.procs[pid]
	if !ok {
		return nil, kstatus.ErrNoProcess.WrapMessage("%v", pid)
	}
	return p, nil
}

// CreateProcess allocates the persistent root node of a new process. The process is available,
// with void registers and no fault handler.
func (k *Kernel) CreateProcess(ctx context.Context) (disk.OID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	root, err := k.cache.Allocate(ctx, disk.TypeNode, true)
	if err != nil {
		return 0, err
	}
	if err := k.cache.SetNodeKey(root, ScheduleSlot, key.NewSchedule(DefaultPriority)); err != nil {
		return 0, err
	}
	k.procs[root.OID] = newProcess(root.OID, root.CallCount)
	k.l.Debug("process created", zap.Stringer("pid", root.OID))
	if k.MetricsEnabled() {
		metrics.Int64(k.m.Volumetry.Processes, int64(len(k.procs)), map[string]string{"kind": "created"})
	}
	return root.OID, nil
}

// withRoot runs fn on the root node of a process, once no activity holds its lock.
// Called with the kernel lock held.
func (k *Kernel) withRoot(ctx context.Context, p *Process, fn func(*obcache.Object) error) error {
	for {
		root, _, err := k.cache.GetObject(ctx, p.OID, disk.TypeNode)
		if err != nil {
			return kstatus.ErrMalformed.Wrap(err)
		}
		if _, locked := root.LockedBy(); locked {
			if err := k.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		return fn(root)
	}
}

func checkRegister(r invoke.Reg) error {
	if r < 0 || r >= NumRegisters {
		return kstatus.ErrBadRegister.WrapMessage("register %d", r)
	}
	return nil
}

// SetRegister stores a key in a register of a process
func (k *Kernel) SetRegister(ctx context.Context, pid disk.OID, r invoke.Reg, kk key.Key) error {
	if err := checkRegister(r); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	return k.withRoot(ctx, p, func(root *obcache.Object) error {
		return k.cache.SetNodeKey(root, FirstRegister+int(r), kk)
	})
}

// Register returns the key held in a register of a process
func (k *Kernel) Register(ctx context.Context, pid disk.OID, r invoke.Reg) (key.Key, error) {
	if err := checkRegister(r); err != nil {
		return key.VoidKey, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return key.VoidKey, err
	}
	var kk key.Key
	err = k.withRoot(ctx, p, func(root *obcache.Object) error {
		kk, err = k.cache.NodeKey(root, FirstRegister+int(r))
		return err
	})
	return kk, err
}

// StartKey builds a start key to a process. The badge is delivered along with each call.
func (k *Kernel) StartKey(ctx context.Context, pid disk.OID, badge uint16) (key.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return key.VoidKey, err
	}
	var kk key.Key
	err = k.withRoot(ctx, p, func(root *obcache.Object) error {
		kk = key.NewObject(key.Start, root.OID, root.AllocCount, 0)
		kk.Data = badge
		return nil
	})
	return kk, err
}

// SetFaultHandler designates the process notified of the faults of another one
func (k *Kernel) SetFaultHandler(ctx context.Context, pid, handler disk.OID) error {
	start, err := k.StartKey(ctx, handler, 0)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	return k.withRoot(ctx, p, func(root *obcache.Object) error {
		return k.cache.SetNodeKey(root, FaultHandlerSlot, start)
	})
}
