// Package ckpt builds consistent checkpoints of the persistent objects into the log of a
// volume, migrates them to their home locations, and restarts from the most recent one.
//
// A checkpoint proceeds in phases: the demarcation pins the dirty objects under the
// kernel lock, the generation is written to the log, then a new root is written to the
// alternate root slot. Only the durable root makes a generation stable.
package ckpt

import (
	"context"
	"sync"
	"time"

	"github.com/oneconcern/capstore/pkg/ckpt/status"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/dlogger"
	"github.com/oneconcern/capstore/pkg/logdir"
	"github.com/oneconcern/capstore/pkg/metrics"
	"github.com/oneconcern/capstore/pkg/obcache"
	"github.com/oneconcern/capstore/pkg/volume"
	"go.opencensus.io/stats"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// DefaultConcurrency is the default number of parallel log frame writes
	DefaultConcurrency = 8

	captureBatch = 32
)

// Processes lists the processes captured by a demarcation. It is called with the kernel lock held.
type Processes interface {
	Snapshot() []disk.ProcessDescriptor
}

type noProcesses struct{}

func (noProcesses) Snapshot() []disk.ProcessDescriptor { return nil }

// M describes metrics for the checkpoint manager
type M struct {
	Usage struct {
		Checkpoint metrics.UsageMetrics `group:"checkpoint" description:"checkpoints and migrations"`
	} `group:"usage" description:"usage of the checkpoint manager"`
	Volumetry struct {
		Objects *stats.Int64Measure `metric:"objects" description:"number of objects captured by a generation" extraviews:"sum" tags:"kind"`
		Frames  *stats.Int64Measure `metric:"logFrames" description:"number of log frames written by a generation" extraviews:"sum" tags:"kind"`
	} `group:"volumetry" description:"volumetry measurements for generations"`
}

// Option configures the checkpoint manager
type Option func(*Manager)

// Logger for the checkpoint manager
func Logger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.l = l
		}
	}
}

// WithMetrics toggles metrics collection
func WithMetrics(enabled bool) Option {
	return func(m *Manager) {
		m.EnableMetrics(enabled)
	}
}

// Concurrency sets the number of parallel log frame writes
func Concurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// MaxGenerations bounds the number of un-migrated generations, up to disk.MaxUnmigratedGenerations
func MaxGenerations(n int) Option {
	return func(m *Manager) {
		if n > 0 && n <= disk.MaxUnmigratedGenerations {
			m.maxGenerations = n
		}
	}
}

// WithClock shares a persistent clock
func WithClock(c *Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithProcesses sets the lister of processes captured by demarcations
func WithProcesses(p Processes) Option {
	return func(m *Manager) {
		if p != nil {
			m.procs = p
		}
	}
}

// generation is a stable, un-migrated generation
type generation struct {
	lid    disk.LID
	header disk.GenerationHeader
}

// Manager of checkpoints
type Manager struct {
	metrics.Enable
	m *M

	l              *zap.Logger
	lock           sync.Locker
	vol            *volume.Volume
	cache          *obcache.Cache
	dir            *logdir.Directory
	clock          *Clock
	procs          Processes
	ring           ring
	concurrency    int
	maxGenerations int

	state   *atomic.Int32
	working *atomic.Uint64

	// writer serializes checkpoints, migrations and restarts
	writer sync.Mutex

	// mu protects the fields below
	mu              sync.Mutex
	root            disk.CheckpointRoot
	rootSlot        int
	gens            []generation
	lastDemarcation uint64
	pending         *attempt
}

// attempt is a checkpoint in progress, shared by all callers waiting for it
type attempt struct {
	done chan struct{}
	err  error
}

// New checkpoint manager for a volume. The lock is the kernel lock, which protects the cache.
func New(vol *volume.Volume, cache *obcache.Cache, dir *logdir.Directory, lock sync.Locker, opts ...Option) *Manager {
	m := &Manager{
		l:              zap.NewNop(),
		lock:           lock,
		vol:            vol,
		cache:          cache,
		dir:            dir,
		clock:          NewClock(),
		procs:          noProcesses{},
		ring:           newRing(vol.LogFrames()),
		concurrency:    DefaultConcurrency,
		maxGenerations: disk.MaxUnmigratedGenerations,
		state:          atomic.NewInt32(int32(Inactive)),
		working:        atomic.NewUint64(0),
		rootSlot:       -1,
		root:           disk.CheckpointRoot{EndLog: disk.FrameLID(disk.LogFirstFrame)},
	}
	for _, apply := range opts {
		apply(m)
	}
	m.l = dlogger.For(m.l, "ckpt")
	m.m = m.EnsureMetrics("ckpt", &M{}).(*M)
	return m
}

// Clock of persistent time
func (m *Manager) Clock() *Clock {
	return m.clock
}

// State of the manager
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Status returns a snapshot of the manager
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:           m.State(),
		Working:         m.working.Load(),
		Stable:          m.root.Generation,
		Migrated:        m.root.MigratedGeneration,
		Unmigrated:      len(m.gens),
		LastDemarcation: m.lastDemarcation,
		EndLog:          m.root.EndLog,
		FreeLogFrames:   m.freeFramesLocked(),
		RootSlot:        m.rootSlot,
	}
}

func (m *Manager) freeFramesLocked() uint64 {
	if len(m.gens) == 0 {
		return m.ring.free(0, 0, true)
	}
	return m.ring.free(m.gens[0].header.FirstLID.Frame(), m.root.EndLog.Frame(), false)
}

// EnsureCheckpoint returns once a generation demarcated at or after target is stable.
//
// A target in the future is rejected. When a stable generation is recent enough, nothing is
// written. When a checkpoint is already in progress, the caller waits for it and checks again.
// The checkpoint itself is not cancelled by the context of the caller.
func (m *Manager) EnsureCheckpoint(ctx context.Context, target uint64) error {
	if now := m.clock.Now(); target > now {
		return status.ErrFutureTime.WrapMessage("%d is after %d", target, now)
	}

	m.mu.Lock()
	for {
		if m.root.Generation > 0 && m.lastDemarcation >= target {
			m.mu.Unlock()
			return nil
		}
		if p := m.pending; p != nil {
			m.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if p.err != nil {
				return p.err
			}
			m.mu.Lock()
			continue
		}

		p := &attempt{done: make(chan struct{})}
		m.pending = p
		m.mu.Unlock()

		err := m.Checkpoint(context.Background())

		m.mu.Lock()
		m.pending = nil
		p.err = err
		close(p.done)
		if err != nil {
			m.mu.Unlock()
			return err
		}
	}
}

// Run takes a checkpoint at every interval, until the context is cancelled.
// Old generations are migrated when the root is about to be full.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if m.Status().Unmigrated >= m.maxGenerations-1 {
			if _, err := m.Migrate(ctx); err != nil {
				m.l.Warn("periodic migration failed", zap.Error(err))
			}
		}
		if err := m.EnsureCheckpoint(ctx, m.clock.Now()); err != nil {
			m.l.Warn("periodic checkpoint failed", zap.Error(err))
		}
	}
}
