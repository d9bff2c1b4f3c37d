package ckpt

import (
	"context"
	"time"

	"github.com/oneconcern/capstore/pkg/ckpt/status"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/logdir"
	"github.com/oneconcern/capstore/pkg/metrics"
	"github.com/oneconcern/capstore/pkg/obcache"
	vstatus "github.com/oneconcern/capstore/pkg/volume/status"
	"go.uber.org/zap"
)

// working describes the generation being built
type working struct {
	gen         uint64
	demarcation uint64
	npCount     disk.ObCount
	objs        []*obcache.Object
	freed       []obcache.Freed
	procs       []disk.ProcessDescriptor
	descriptors []disk.ObjectDescriptor
}

// framesFor is the number of log frames needed by a generation
func (w *working) framesFor() uint64 {
	var pages, nodes int
	for _, obj := range w.objs {
		if obj.Type == disk.TypePage {
			pages++
		} else {
			nodes++
		}
	}
	objDir := disk.DirFramesFor(disk.DirObjects, len(w.objs)+len(w.freed))
	procDir := disk.DirFramesFor(disk.DirProcesses, len(w.procs))
	return uint64(pages + (nodes+disk.NodesPerFrame-1)/disk.NodesPerFrame + objDir + procDir + 1)
}

// Checkpoint demarcates a new generation and writes it, until its root is durable.
//
// When an I/O error occurs before the root is durable, the previous root remains the stable
// one, and the objects of the generation are dirty again.
func (m *Manager) Checkpoint(ctx context.Context) (err error) {
	m.writer.Lock()
	defer m.writer.Unlock()

	if m.MetricsEnabled() {
		defer func(start time.Time) {
			m.m.Usage.Checkpoint.UsedAll(start, "checkpoint")(err)
		}(time.Now())
	}

	m.mu.Lock()
	root := m.root
	root.Generations = append([]disk.LID(nil), m.root.Generations...)
	slot := m.rootSlot
	free := m.freeFramesLocked()
	m.mu.Unlock()

	m.setState(DemarcationPending)
	defer m.setState(Inactive)

	w, err := m.demarcate(root, free)
	if err != nil {
		return err
	}
	m.working.Store(w.gen)
	defer m.working.Store(0)

	header, lid, err := m.write(ctx, root, w)
	if err == nil {
		err = m.stabilize(ctx, root, slot, w, header, lid)
	}
	if err != nil {
		m.lock.Lock()
		m.cache.EndGeneration(w.gen, w.objs, w.freed, false)
		m.lock.Unlock()
		m.l.Error("checkpoint aborted", zap.Uint64("generation", w.gen), zap.Error(err))
		if errors.Is(err, status.ErrLogFull) {
			return err
		}
		return status.ErrAborted.Wrap(err)
	}

	m.settle(ctx, w)
	return nil
}

// demarcate pins the dirty objects for the next generation, under the kernel lock.
// Capacity is checked before anything is pinned.
func (m *Manager) demarcate(root disk.CheckpointRoot, free uint64) (*working, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if len(root.Generations) >= m.maxGenerations {
		return nil, status.ErrLimitReached.WrapMessage("%d generations are not migrated", len(root.Generations))
	}
	w := &working{
		gen:         root.Generation + 1,
		demarcation: m.clock.Now(),
		npCount:     m.cache.Epoch(),
	}
	w.objs, w.freed = m.cache.Demarcate(w.gen)
	w.procs = m.procs.Snapshot()

	if need := w.framesFor(); need > free {
		m.cache.EndGeneration(w.gen, w.objs, w.freed, false)
		return nil, status.ErrLogFull.WrapMessage("generation %d needs %d frames, %d are free", w.gen, need, free)
	}
	m.setState(WritingGeneration)
	m.l.Info("demarcation",
		zap.Uint64("generation", w.gen),
		zap.Int("objects", len(w.objs)),
		zap.Int("released", len(w.freed)),
		zap.Int("processes", len(w.procs)),
	)
	return w, nil
}

// capture gets the content of the pinned objects, releasing the kernel lock between batches
func (m *Manager) capture(objs []*obcache.Object) []*obcache.Image {
	images := make([]*obcache.Image, 0, len(objs))
	for start := 0; start < len(objs); start += captureBatch {
		end := start + captureBatch
		if end > len(objs) {
			end = len(objs)
		}
		m.lock.Lock()
		for _, obj := range objs[start:end] {
			images = append(images, m.cache.Capture(obj))
		}
		m.lock.Unlock()
	}
	return images
}

// write encodes the generation to the log: objects, object directory, process directory,
// then the generation header. The device is synced.
func (m *Manager) write(ctx context.Context, root disk.CheckpointRoot, w *working) (disk.GenerationHeader, disk.LID, error) {
	images := m.capture(w.objs)

	lw := &logWriter{ring: m.ring, cursor: root.EndLog.Frame(), budget: w.framesFor()}
	first := disk.FrameLID(lw.cursor)
	descriptors := make([]disk.ObjectDescriptor, 0, len(images)+len(w.freed))

	var (
		nodeFrame []byte
		nodeLID   disk.LID
		nodeIndex uint
	)
	for _, img := range images {
		d := disk.ObjectDescriptor{OID: img.OID, AllocCount: img.AllocCount, CallCount: img.CallCount, Type: img.Type}
		switch img.Type {
		case disk.TypePage:
			lid, err := lw.add(img.Page)
			if err != nil {
				return disk.GenerationHeader{}, 0, err
			}
			d.LID = lid
		case disk.TypeNode:
			if nodeFrame == nil || nodeIndex == disk.NodesPerFrame {
				nodeFrame = make([]byte, disk.PageSize)
				lid, err := lw.add(nodeFrame)
				if err != nil {
					return disk.GenerationHeader{}, 0, err
				}
				nodeLID, nodeIndex = lid, 0
			}
			n := img.Node
			if err := disk.PutNode(nodeFrame, nodeIndex, &n); err != nil {
				return disk.GenerationHeader{}, 0, err
			}
			d.LID = nodeLID + disk.LID(nodeIndex)
			nodeIndex++
		}
		descriptors = append(descriptors, d)
	}
	for _, f := range w.freed {
		descriptors = append(descriptors, disk.ObjectDescriptor{OID: f.OID, AllocCount: f.Count, LID: disk.UnusedLID, Type: disk.TypeFree})
	}

	header := disk.GenerationHeader{
		Generation:         w.gen,
		MigratedGeneration: root.MigratedGeneration,
		FirstLID:           first,
		DemarcationTime:    w.demarcation,
	}
	var err error
	if header.Objects, err = m.addDir(lw, disk.EncodeObjectDir(w.gen, descriptors), len(descriptors)); err != nil {
		return header, 0, err
	}
	if header.Processes, err = m.addDir(lw, disk.EncodeProcessDir(w.gen, w.procs), len(w.procs)); err != nil {
		return header, 0, err
	}
	header.LastLID = disk.FrameLID(lw.cursor)
	buf, err := header.MarshalBinary()
	if err != nil {
		return header, 0, err
	}
	lid, err := lw.add(buf)
	if err != nil {
		return header, 0, err
	}

	written, err := lw.flush(ctx, m.vol, m.concurrency)
	if err != nil {
		return header, 0, err
	}
	if err = m.vol.Sync(ctx); err != nil {
		return header, 0, err
	}
	if m.MetricsEnabled() {
		metrics.Int64(m.m.Volumetry.Objects, int64(len(descriptors)), map[string]string{"kind": "generation"})
		metrics.Int64(m.m.Volumetry.Frames, int64(written), map[string]string{"kind": "generation"})
	}

	w.descriptors = descriptors
	return header, lid, nil
}

func (m *Manager) addDir(lw *logWriter, frames [][]byte, count int) (disk.DirRef, error) {
	ref := disk.DirRef{Count: uint32(count), Frames: uint32(len(frames)), First: disk.FrameLID(lw.cursor)}
	for _, buf := range frames {
		if _, err := lw.add(buf); err != nil {
			return ref, err
		}
	}
	return ref, nil
}

// stabilize writes the new root to the alternate slot. Once synced, the generation is stable.
func (m *Manager) stabilize(ctx context.Context, root disk.CheckpointRoot, slot int, w *working, header disk.GenerationHeader, lid disk.LID) error {
	m.setState(Stabilizing)

	next := root
	next.Generation = w.gen
	next.EndLog = disk.FrameLID(m.ring.next(lid.Frame()))
	next.MaxNPCount = w.npCount
	next.Sequence = root.Sequence + 1
	next.Generations = append(root.Generations, lid)

	target := 1 - slot
	if slot < 0 {
		target = 1
	}
	if err := m.vol.WriteRoot(ctx, target, next); err != nil {
		return err
	}
	if err := m.vol.Sync(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.root = next
	m.rootSlot = target
	m.gens = append(m.gens, generation{lid: lid, header: header})
	m.lastDemarcation = w.demarcation
	m.mu.Unlock()

	for _, d := range w.descriptors {
		m.dir.Record(logdir.Entry{ObjectDescriptor: d, Generation: w.gen})
	}

	m.l.Info("generation stable",
		zap.Uint64("generation", w.gen),
		zap.Int("slot", target),
		zap.Stringer("endLog", next.EndLog),
	)
	return nil
}

// settle applies the effects of a stable generation: captured objects are recorded allocated
// and released objects return to their tag pots, pots are flushed and the objects of the
// generation are unpinned.
func (m *Manager) settle(ctx context.Context, w *working) {
	for _, d := range w.descriptors {
		if d.Type == disk.TypeFree {
			continue
		}
		if err := m.vol.MarkAllocated(ctx, d.OID, d.Type, d.AllocCount); err != nil {
			m.l.Warn("recording object", zap.Stringer("oid", d.OID), zap.Error(err))
		}
	}
	for _, f := range w.freed {
		if err := m.vol.Release(ctx, f.OID, f.Count); err != nil && !errors.Is(err, vstatus.ErrNotAllocated) {
			m.l.Warn("releasing object", zap.Stringer("oid", f.OID), zap.Error(err))
		}
	}
	if n, err := m.vol.FlushPots(ctx); err != nil {
		// pots are reconciled from the log at restart
		m.l.Warn("flushing tag pots", zap.Int("flushed", n), zap.Error(err))
	}

	m.lock.Lock()
	m.cache.EndGeneration(w.gen, w.objs, w.freed, true)
	m.lock.Unlock()
}
