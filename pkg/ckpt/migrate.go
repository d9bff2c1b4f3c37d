package ckpt

import (
	"context"
	"time"

	"github.com/oneconcern/capstore/pkg/ckpt/status"
	"github.com/oneconcern/capstore/pkg/disk"
	"go.uber.org/zap"
)

// Migrate copies the objects of the oldest un-migrated generation to their home locations,
// then retires its log frames with a new root. The newest generation is never migrated.
//
// It returns the migrated generation, or zero when there was nothing to migrate.
func (m *Manager) Migrate(ctx context.Context) (gen uint64, err error) {
	m.writer.Lock()
	defer m.writer.Unlock()

	if m.MetricsEnabled() {
		defer func(start time.Time) {
			m.m.Usage.Checkpoint.UsedAll(start, "migrate")(err)
		}(time.Now())
	}

	m.mu.Lock()
	if len(m.gens) < 2 {
		m.mu.Unlock()
		return 0, nil
	}
	oldest := m.gens[0]
	root := m.root
	slot := m.rootSlot
	m.mu.Unlock()

	m.setState(Migrating)
	defer m.setState(Inactive)

	descriptors, err := m.readObjectDir(ctx, oldest.header)
	if err != nil {
		return 0, err
	}
	migrated := 0
	for _, d := range descriptors {
		if d.Type == disk.TypeFree {
			continue
		}
		if current, ok := m.dir.Find(d.OID); !ok || current.Generation != oldest.header.Generation {
			// superseded by a newer generation
			continue
		}
		if err = m.migrateObject(ctx, d); err != nil {
			return 0, err
		}
		migrated++
	}
	if _, err = m.vol.FlushPots(ctx); err != nil {
		return 0, err
	}
	if err = m.vol.Sync(ctx); err != nil {
		return 0, err
	}

	next := root
	next.MigratedGeneration = oldest.header.Generation
	next.Sequence = root.Sequence + 1
	next.Generations = append([]disk.LID(nil), root.Generations[1:]...)
	target := 1 - slot
	if err = m.vol.WriteRoot(ctx, target, next); err != nil {
		return 0, err
	}
	if err = m.vol.Sync(ctx); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.root = next
	m.rootSlot = target
	m.gens = append([]generation(nil), m.gens[1:]...)
	m.mu.Unlock()
	dropped := m.dir.ClearGeneration(oldest.header.Generation)

	m.l.Info("generation migrated",
		zap.Uint64("generation", oldest.header.Generation),
		zap.Int("objects", migrated),
		zap.Int("retired", dropped),
	)
	return oldest.header.Generation, nil
}

func (m *Manager) migrateObject(ctx context.Context, d disk.ObjectDescriptor) error {
	buf, err := m.vol.ReadLogFrame(ctx, d.LID.Frame())
	if err != nil {
		return err
	}
	switch d.Type {
	case disk.TypePage:
		return m.vol.WriteHomePage(ctx, d.OID, d.AllocCount, buf)
	case disk.TypeNode:
		n, err := disk.GetNode(buf, d.LID.Index())
		if err != nil {
			return err
		}
		if n.OID != d.OID {
			return status.ErrCorruptLog.WrapMessage("%v is not at %v", d.OID, d.LID)
		}
		return m.vol.WriteHomeNode(ctx, n)
	default:
		return nil
	}
}

// readObjectDir reads back the object directory of a generation
func (m *Manager) readObjectDir(ctx context.Context, h disk.GenerationHeader) ([]disk.ObjectDescriptor, error) {
	descriptors := make([]disk.ObjectDescriptor, 0, h.Objects.Count)
	for i := uint64(0); i < uint64(h.Objects.Frames); i++ {
		buf, err := m.vol.ReadLogFrame(ctx, m.ring.advance(h.Objects.First.Frame(), i))
		if err != nil {
			return nil, err
		}
		entries, err := disk.DecodeObjectDir(buf, h.Generation)
		if err != nil {
			return nil, status.ErrCorruptLog.Wrap(err)
		}
		descriptors = append(descriptors, entries...)
	}
	if len(descriptors) != int(h.Objects.Count) {
		return nil, status.ErrCorruptLog.WrapMessage("generation %d lists %d objects, found %d", h.Generation, h.Objects.Count, len(descriptors))
	}
	return descriptors, nil
}

// readProcessDir reads back the process directory of a generation
func (m *Manager) readProcessDir(ctx context.Context, h disk.GenerationHeader) ([]disk.ProcessDescriptor, error) {
	procs := make([]disk.ProcessDescriptor, 0, h.Processes.Count)
	for i := uint64(0); i < uint64(h.Processes.Frames); i++ {
		buf, err := m.vol.ReadLogFrame(ctx, m.ring.advance(h.Processes.First.Frame(), i))
		if err != nil {
			return nil, err
		}
		entries, err := disk.DecodeProcessDir(buf, h.Generation)
		if err != nil {
			return nil, status.ErrCorruptLog.Wrap(err)
		}
		procs = append(procs, entries...)
	}
	return procs, nil
}
