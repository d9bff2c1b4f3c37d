// Package volume gives structured access to a capstore volume: header, divisions,
// tag pots, home locations of objects and log frames.
//
// A volume does not implement any consistency protocol: the checkpoint manager
// decides what is written where, and when the device is synced.
package volume

import (
	"context"
	"sync"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/dlogger"
	"github.com/oneconcern/capstore/pkg/metrics"
	"github.com/oneconcern/capstore/pkg/storage"
	"github.com/oneconcern/capstore/pkg/volume/status"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	primaryDivTable   = 1
	alternateDivTable = primaryDivTable + disk.DivTableSectors
	firstDataSector   = 2 * disk.SectorsPerFrame
)

// Option configures a volume
type Option func(*Volume)

// Logger sets the logger for the volume
func Logger(l *zap.Logger) Option {
	return func(v *Volume) {
		if l != nil {
			v.l = l
		}
	}
}

// WithMetrics toggles metrics collection
func WithMetrics(enabled bool) Option {
	return func(v *Volume) {
		v.EnableMetrics(enabled)
	}
}

// M describes metrics for volumes
type M struct {
	Volumetry struct {
		Log  metrics.FramesMetrics `group:"log" description:"frames moved to or from the checkpoint log"`
		Home metrics.FramesMetrics `group:"home" description:"frames moved to or from home locations"`
	} `group:"volumetry" description:"volumetry measurements for volumes"`
}

// Volume is an opened capstore volume
type Volume struct {
	metrics.Enable
	m *M

	dev    storage.Device
	l      *zap.Logger
	header disk.VolHeader
	divs   disk.DivisionTable
	log    disk.Division

	mu   sync.Mutex
	pots map[potKey]*cachedPot
}

type potKey struct {
	div   uint32 // start sector of the division
	frame uint64
}

// cachedPot holds the working state of a tag pot, used to allocate, and its durable state:
// allocations reach the durable state only once captured by a generation.
type cachedPot struct {
	pot     *disk.TagPot
	durable *disk.TagPot
	dirty   bool
}

func newVolume(dev storage.Device, opts ...Option) *Volume {
	v := &Volume{
		dev:  dev,
		l:    zap.NewNop(),
		pots: make(map[potKey]*cachedPot),
	}
	for _, apply := range opts {
		apply(v)
	}
	v.l = dlogger.For(v.l, "volume")
	v.m = v.EnsureMetrics("volume", &M{}).(*M)
	return v
}

// Layout describes the divisions of a volume to format
type Layout struct {
	LogFrames      uint64
	ObjectClusters []uint64
	SystemID       uint64
}

// Sectors is the size of a device able to hold this layout
func (l Layout) Sectors() uint64 {
	_, end := l.divisions()
	return end
}

func (l Layout) divisions() (disk.DivisionTable, uint64) {
	table := disk.DivisionTable{
		{Type: disk.DivTable, Start: primaryDivTable, End: primaryDivTable + disk.DivTableSectors},
		{Type: disk.DivTable, Start: alternateDivTable, End: alternateDivTable + disk.DivTableSectors},
	}
	sector := uint64(firstDataSector)
	table = append(table, disk.Division{
		Type:  disk.DivLog,
		Start: uint32(sector),
		End:   uint32(sector + l.LogFrames*disk.SectorsPerFrame),
	})
	sector += l.LogFrames * disk.SectorsPerFrame

	var oid disk.OID
	for _, clusters := range l.ObjectClusters {
		size := clusters * disk.ClusterFrames * disk.SectorsPerFrame
		table = append(table, disk.Division{
			Type:     disk.DivObject,
			Start:    uint32(sector),
			End:      uint32(sector + size),
			StartOID: oid,
		})
		sector += size
		oid += disk.FrameOID(clusters * disk.FramesPerCluster)
	}
	return table, sector
}

// Format writes a new volume layout on a device: header, division tables, empty tag pots
// and an initial checkpoint root with no generation.
func Format(ctx context.Context, dev storage.Device, layout Layout, opts ...Option) (*Volume, error) {
	table, sectors := layout.divisions()
	if err := table.Validate(); err != nil {
		return nil, status.ErrLayout.Wrap(err)
	}
	if sectors > dev.Sectors() {
		return nil, status.ErrLayout.WrapMessage("layout needs %d sectors, device has %d", sectors, dev.Sectors())
	}

	v := newVolume(dev, opts...)
	v.header = disk.VolHeader{
		PageSize:    disk.PageSize,
		DivTable:    primaryDivTable,
		AltDivTable: alternateDivTable,
		SystemID:    layout.SystemID,
	}
	v.divs = table
	v.log, _ = table.Log()

	buf, err := v.header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err = dev.WriteAt(ctx, buf, 0); err != nil {
		return nil, err
	}
	if buf, err = table.MarshalBinary(); err != nil {
		return nil, err
	}
	for _, at := range []uint64{primaryDivTable, alternateDivTable} {
		if err = dev.WriteAt(ctx, buf, at); err != nil {
			return nil, err
		}
	}

	empty, _ := disk.NewTagPot().MarshalBinary()
	for _, d := range table.Objects() {
		for c := uint64(0); c < d.Clusters(); c++ {
			if err = dev.WriteAt(ctx, empty, d.FrameSector(c*disk.ClusterFrames)); err != nil {
				return nil, err
			}
		}
	}

	root, _ := disk.CheckpointRoot{EndLog: disk.FrameLID(disk.LogFirstFrame)}.MarshalBinary()
	if err = v.WriteLogFrame(ctx, disk.RootSlots[0].Frame(), root); err != nil {
		return nil, err
	}
	if err = v.WriteLogFrame(ctx, disk.RootSlots[1].Frame(), make([]byte, disk.PageSize)); err != nil {
		return nil, err
	}
	if err = dev.Sync(ctx); err != nil {
		return nil, err
	}
	v.l.Info("formatted volume",
		zap.Stringer("device", dev),
		zap.Uint64("sectors", sectors),
		zap.Uint64("logFrames", v.log.Frames()),
		zap.Int("objectDivisions", len(table.Objects())),
	)
	return v, nil
}

// Open reads the header and division table of a volume. When the primary division table
// is unreadable, the alternate copy is used.
func Open(ctx context.Context, dev storage.Device, opts ...Option) (*Volume, error) {
	v := newVolume(dev, opts...)

	buf := make([]byte, disk.SectorSize)
	if err := dev.ReadAt(ctx, buf, 0); err != nil {
		return nil, err
	}
	if err := v.header.UnmarshalBinary(buf); err != nil {
		return nil, err
	}

	var errs error
	for _, at := range []uint32{v.header.DivTable, v.header.AltDivTable} {
		if at == 0 {
			continue
		}
		tbuf := make([]byte, disk.DivTableSectors*disk.SectorSize)
		err := dev.ReadAt(ctx, tbuf, uint64(at))
		if err == nil {
			err = v.divs.UnmarshalBinary(tbuf)
		}
		if err == nil {
			err = v.divs.Validate()
		}
		if err == nil {
			var ok bool
			if v.log, ok = v.divs.Log(); !ok {
				err = status.ErrNoLog
			}
		}
		if err == nil {
			errs = nil
			break
		}
		v.l.Warn("unusable division table", zap.Uint32("sector", at), zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return nil, errs
	}
	if v.log.Type != disk.DivLog {
		return nil, status.ErrNoLog
	}
	return v, nil
}

// Header of the volume
func (v *Volume) Header() disk.VolHeader {
	return v.header
}

// Divisions of the volume
func (v *Volume) Divisions() disk.DivisionTable {
	return v.divs
}

// Device holding the volume
func (v *Volume) Device() storage.Device {
	return v.dev
}

// LogFrames is the number of frames of the log division, root slots included
func (v *Volume) LogFrames() uint64 {
	return v.log.Frames()
}

// Sync makes all writes durable
func (v *Volume) Sync(ctx context.Context) error {
	return v.dev.Sync(ctx)
}

// Close the underlying device. Unflushed tag pots are lost.
func (v *Volume) Close() error {
	return v.dev.Close()
}
