package ckpt

import (
	"context"

	"github.com/oneconcern/capstore/pkg/ckpt/status"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/logdir"
	vstatus "github.com/oneconcern/capstore/pkg/volume/status"
	"go.uber.org/zap"
)

// Recovered is the state restored from the most recent stable generation
type Recovered struct {
	Root            disk.CheckpointRoot
	Slot            int
	DemarcationTime uint64
	Processes       []disk.ProcessDescriptor
	Objects         int
}

// Restart rebuilds the state of the manager from the log: the valid root with the highest
// generation is selected, every un-migrated generation is read back into the log directory,
// and tag pots are reconciled with the objects released or captured by these generations.
//
// The persistent clock and the allocation count of non-persistent objects move past
// their values at the last demarcation.
func (m *Manager) Restart(ctx context.Context) (Recovered, error) {
	m.writer.Lock()
	defer m.writer.Unlock()

	slots, err := m.vol.ReadRoots(ctx)
	if err != nil {
		return Recovered{}, err
	}
	root, slot, err := disk.SelectRoot(slots[0], slots[1])
	if err != nil {
		return Recovered{}, status.ErrNoValidRoot.Wrap(err)
	}

	m.dir.Reset()
	gens := make([]generation, 0, len(root.Generations))
	rec := Recovered{Root: root, Slot: slot}
	for _, lid := range root.Generations {
		buf, err := m.vol.ReadLogFrame(ctx, lid.Frame())
		if err != nil {
			return rec, err
		}
		var h disk.GenerationHeader
		if err = h.UnmarshalBinary(buf); err != nil {
			return rec, status.ErrCorruptLog.WrapWithLog(m.l, err, zap.Stringer("lid", lid))
		}
		descriptors, err := m.readObjectDir(ctx, h)
		if err != nil {
			return rec, err
		}
		for _, d := range descriptors {
			m.dir.Record(logdir.Entry{ObjectDescriptor: d, Generation: h.Generation})
		}
		gens = append(gens, generation{lid: lid, header: h})
	}

	if n := len(gens); n > 0 {
		newest := gens[n-1].header
		if newest.Generation != root.Generation {
			return rec, status.ErrCorruptLog.WrapMessage("root of generation %d lists generation %d last", root.Generation, newest.Generation)
		}
		if rec.Processes, err = m.readProcessDir(ctx, newest); err != nil {
			return rec, err
		}
		rec.DemarcationTime = newest.DemarcationTime
	}

	if err = m.reconcile(ctx, gens); err != nil {
		return rec, err
	}
	rec.Objects = m.dir.Len()

	m.clock.Restore(rec.DemarcationTime)
	m.lock.Lock()
	m.cache.SetEpoch(root.MaxNPCount + 1)
	m.lock.Unlock()

	m.mu.Lock()
	m.root = root
	m.rootSlot = slot
	m.gens = gens
	m.lastDemarcation = rec.DemarcationTime
	m.mu.Unlock()

	m.l.Info("restarted",
		zap.Uint64("generation", root.Generation),
		zap.Uint64("migrated", root.MigratedGeneration),
		zap.Int("slot", slot),
		zap.Int("generations", len(gens)),
		zap.Int("objects", rec.Objects),
		zap.Int("processes", len(rec.Processes)),
	)
	return rec, nil
}

// reconcile makes tag pots agree with the newest logged version of each object
func (m *Manager) reconcile(ctx context.Context, gens []generation) error {
	var err error
	for _, g := range gens {
		m.dir.Generation(g.header.Generation, func(e logdir.Entry) bool {
			if e.Free() {
				if rerr := m.vol.Release(ctx, e.OID, e.AllocCount); rerr != nil && !errors.Is(rerr, vstatus.ErrNotAllocated) {
					err = rerr
				}
			} else {
				err = m.vol.MarkAllocated(ctx, e.OID, e.Type, e.AllocCount)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	_, err = m.vol.FlushPots(ctx)
	return err
}
