package ckpt

import (
	"context"

	"github.com/oneconcern/capstore/pkg/ckpt/status"
	"github.com/oneconcern/capstore/pkg/disk"
	"golang.org/x/sync/errgroup"
)

// ring does the arithmetic of the circular log, from disk.LogFirstFrame to the end of the
// log division. One frame is always left free between the end and the start of the log.
type ring struct {
	frames uint64
}

func newRing(logFrames uint64) ring {
	return ring{frames: logFrames}
}

func (r ring) size() uint64 {
	return r.frames - disk.LogFirstFrame
}

func (r ring) next(frame uint64) uint64 {
	frame++
	if frame >= r.frames {
		return disk.LogFirstFrame
	}
	return frame
}

func (r ring) advance(frame, n uint64) uint64 {
	return disk.LogFirstFrame + (frame-disk.LogFirstFrame+n)%r.size()
}

// distance is the number of frames from a to b, going forward
func (r ring) distance(a, b uint64) uint64 {
	return (b + r.size() - a) % r.size()
}

// free is the number of frames which may be written at end, when the oldest frame still
// in use is start
func (r ring) free(start, end uint64, empty bool) uint64 {
	if empty {
		return r.size() - 1
	}
	return r.size() - r.distance(start, end) - 1
}

// logWriter assigns consecutive log frames, and writes them with bounded parallelism
type logWriter struct {
	ring   ring
	cursor uint64
	budget uint64
	writes []pendingFrame
}

type pendingFrame struct {
	frame uint64
	buf   []byte
}

func (w *logWriter) add(buf []byte) (disk.LID, error) {
	if w.budget == 0 {
		return 0, status.ErrLogFull.WrapMessage("at log frame %d", w.cursor)
	}
	frame := w.cursor
	w.writes = append(w.writes, pendingFrame{frame: frame, buf: buf})
	w.cursor = w.ring.next(w.cursor)
	w.budget--
	return disk.FrameLID(frame), nil
}

type frameWriter interface {
	WriteLogFrame(context.Context, uint64, []byte) error
}

func (w *logWriter) flush(ctx context.Context, dev frameWriter, concurrency int) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, p := range w.writes {
		p := p
		g.Go(func() error {
			return dev.WriteLogFrame(gctx, p.frame, p.buf)
		})
	}
	n := len(w.writes)
	w.writes = nil
	return n, g.Wait()
}
