// Package kernel runs processes over a persistent object store.
//
// A kernel holds the capability arena, the object cache with its sources, the checkpoint
// manager and the processes. All of them share a single kernel lock. Invocations run as
// activities: an activity takes transaction locks on the objects it prepares, and releases
// them all when its invocation completes, restarts or blocks.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/oneconcern/capstore/pkg/ckpt"
	"github.com/oneconcern/capstore/pkg/config"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/dlogger"
	"github.com/oneconcern/capstore/pkg/invoke"
	"github.com/oneconcern/capstore/pkg/keyring"
	"github.com/oneconcern/capstore/pkg/logdir"
	"github.com/oneconcern/capstore/pkg/metrics"
	"github.com/oneconcern/capstore/pkg/obcache"
	"github.com/oneconcern/capstore/pkg/storage"
	"github.com/oneconcern/capstore/pkg/volume"
	"go.opencensus.io/stats"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// M describes metrics for the kernel
type M struct {
	Volumetry struct {
		Faults    *stats.Int64Measure `metric:"faults" description:"process faults" extraviews:"sum" tags:"kind"`
		Processes *stats.Int64Measure `metric:"processes" description:"number of processes" tags:"kind"`
	} `group:"volumetry" description:"volumetry measurements for processes"`
}

// Option for the kernel
type Option func(*Kernel)

// Logger for the kernel
func Logger(l *zap.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.l = l
		}
	}
}

// WithClock sets the persistent clock used by checkpoints
func WithClock(c *ckpt.Clock) Option {
	return func(k *Kernel) {
		k.clock = c
	}
}

// Kernel state
type Kernel struct {
	metrics.Enable
	m   *M
	l   *zap.Logger
	cfg config.Kernel

	// mu is the kernel lock
	mu sync.Mutex

	vol        *volume.Volume
	dir        *logdir.Directory
	arena      *keyring.Arena
	cache      *obcache.Cache
	phys       *obcache.PhysSource
	ckpt       *ckpt.Manager
	clock      *ckpt.Clock
	dispatcher *invoke.Dispatcher
	epoch      *atomic.Uint32
	activities atomic.Uint64
	recovered  ckpt.Recovered

	procs map[disk.OID]*Process
	// wakeup is closed whenever a lock is released, an inbox has room or a process changes state
	wakeup chan struct{}

	cancel context.CancelFunc
	bg     *errgroup.Group
}

// Boot a kernel on a formatted volume.
//
// The state of the most recent stable generation is restored: the objects it captured are
// read from the log when faulted in, and its processes are restored. Processes which were
// running are available again. When the configuration sets an interval, checkpoints are
// taken periodically until the kernel is closed.
func Boot(ctx context.Context, dev storage.Device, cfg config.Kernel, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frames, _ := cfg.PhysFrames()

	k := &Kernel{
		l:      zap.NewNop(),
		cfg:    cfg,
		dir:    logdir.New(),
		epoch:  atomic.NewUint32(1),
		procs:  make(map[disk.OID]*Process),
		wakeup: make(chan struct{}),
	}
	for _, apply := range opts {
		apply(k)
	}
	k.l = dlogger.For(k.l, "kernel")
	k.EnableMetrics(cfg.Metrics)
	k.m = k.EnsureMetrics("kernel", &M{}).(*M)

	vol, err := volume.Open(ctx, dev, volume.Logger(k.l), volume.WithMetrics(cfg.Metrics))
	if err != nil {
		return nil, err
	}
	k.vol = vol

	sources := []obcache.Source{obcache.NewPersistentSource(vol, k.dir, k.l)}
	first := disk.FirstNonPersistentOID
	if cfg.PreloadImage != "" {
		preload, err := obcache.OpenPreload(cfg.PreloadImage, k.epoch, k.l)
		if err != nil {
			_ = vol.Close()
			return nil, err
		}
		sources = append(sources, preload)
		first = preload.Manifest().End
	}
	k.phys = obcache.NewPhysSource(frames)
	sources = append(sources, obcache.NewRAMSource(first, disk.FirstPhysOID, k.epoch), k.phys)

	k.arena = keyring.NewArena(cfg.ArenaSlots)
	k.cache = obcache.New(k.arena, &k.mu,
		obcache.Logger(k.l),
		obcache.WithMetrics(cfg.Metrics),
		obcache.Capacity(cfg.CacheObjects),
		obcache.Sources(sources...),
		obcache.WithAllocator(vol),
		obcache.NPEpoch(k.epoch),
	)
	ckptOpts := []ckpt.Option{
		ckpt.Logger(k.l),
		ckpt.WithMetrics(cfg.Metrics),
		ckpt.Concurrency(cfg.WriteConcurrency),
		ckpt.MaxGenerations(cfg.MaxGenerations),
		ckpt.WithProcesses(k),
	}
	if k.clock != nil {
		ckptOpts = append(ckptOpts, ckpt.WithClock(k.clock))
	}
	k.ckpt = ckpt.New(vol, k.cache, k.dir, &k.mu, ckptOpts...)
	k.clock = k.ckpt.Clock()
	k.dispatcher = invoke.New(invoke.Logger(k.l), invoke.WithMetrics(cfg.Metrics))

	rec, err := k.ckpt.Restart(ctx)
	if err != nil {
		return nil, multierr.Combine(err, k.cache.Close(), vol.Close())
	}
	k.recovered = rec

	k.mu.Lock()
	k.restore(rec.Processes)
	k.mu.Unlock()

	if cfg.CheckpointInterval > 0 {
		k.runCheckpoints(cfg.CheckpointInterval)
	}

	k.l.Info("kernel booted",
		zap.Uint64("generation", rec.Root.Generation),
		zap.Int("objects", rec.Objects),
		zap.Int("processes", len(rec.Processes)),
		zap.Uint64("physFrames", frames),
	)
	return k, nil
}

func (k *Kernel) runCheckpoints(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.bg, ctx = errgroup.WithContext(ctx)
	k.bg.Go(func() error {
		return k.ckpt.Run(ctx, interval)
	})
}

// Close stops periodic checkpoints, then closes the object sources and the volume.
// Changes made since the last stable generation are lost.
func (k *Kernel) Close() error {
	if k.cancel != nil {
		k.cancel()
		if err := k.bg.Wait(); err != nil && err != context.Canceled {
			k.l.Warn("periodic checkpoints stopped", zap.Error(err))
		}
		k.cancel = nil
	}
	return multierr.Combine(k.cache.Close(), k.vol.Close())
}

// Checkpoint makes the current state stable
func (k *Kernel) Checkpoint(ctx context.Context) error {
	return k.ckpt.EnsureCheckpoint(ctx, k.clock.Now())
}

// Cache of objects
func (k *Kernel) Cache() *obcache.Cache {
	return k.cache
}

// Checkpoints manager
func (k *Kernel) Checkpoints() *ckpt.Manager {
	return k.ckpt
}

// Volume the kernel runs on
func (k *Kernel) Volume() *volume.Volume {
	return k.vol
}

// Phys is the source of physical pages
func (k *Kernel) Phys() *obcache.PhysSource {
	return k.phys
}

// Recovered is the state restored at boot
func (k *Kernel) Recovered() ckpt.Recovered {
	return k.recovered
}

// wake all activities waiting for a change. Called with the kernel lock held.
func (k *Kernel) wake() {
	close(k.wakeup)
	k.wakeup = make(chan struct{})
}

// waitFor returns a wait for the next wake up. Called with the kernel lock held.
func (k *Kernel) waitFor() func(context.Context) error {
	ch := k.wakeup
	return func(ctx context.Context) error {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// blocked builds the error of a first phase which must wait for a change
func (k *Kernel) blocked(reason string) error {
	return &invoke.Blocked{Reason: reason, Wait: k.waitFor()}
}

// sleep releases the kernel lock until the next wake up
func (k *Kernel) sleep(ctx context.Context) error {
	wait := k.waitFor()
	k.mu.Unlock()
	defer k.mu.Lock()
	return wait(ctx)
}
