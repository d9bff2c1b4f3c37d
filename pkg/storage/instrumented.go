// Copyright © 2018 One Concern

package storage

import (
	"context"
	"time"

	"github.com/oneconcern/capstore/pkg/metrics"
	"go.uber.org/zap"
)

// M describes metrics for devices
type M struct {
	Volumetry struct {
		IO metrics.IOMetrics `group:"device" description:"volume device IO"`
	} `group:"volumetry" description:"volumetry measurements for volume devices"`
}

// Instrument wraps a device to record IO metrics and debug logs
func Instrument(l *zap.Logger, dev Device) Device {
	if l == nil {
		l = zap.NewNop()
	}
	i := &instrumentedDevice{
		dev: dev,
		l:   l.With(zap.String("device", dev.String())),
	}
	i.m = i.EnsureMetrics("storage", &M{}).(*M)
	i.EnableMetrics(true)
	return i
}

type instrumentedDevice struct {
	metrics.Enable
	m   *M
	dev Device
	l   *zap.Logger
}

func (i *instrumentedDevice) ReadAt(ctx context.Context, buf []byte, sector uint64) (err error) {
	defer func(t0 time.Time) {
		i.m.Volumetry.IO.IORecord(t0, "read")(int64(len(buf)), err)
	}(time.Now())
	i.l.Debug("device read", zap.Uint64("sector", sector), zap.Int("size", len(buf)))

	return i.dev.ReadAt(ctx, buf, sector)
}

func (i *instrumentedDevice) WriteAt(ctx context.Context, buf []byte, sector uint64) (err error) {
	defer func(t0 time.Time) {
		i.m.Volumetry.IO.IORecord(t0, "write")(int64(len(buf)), err)
	}(time.Now())
	i.l.Debug("device write", zap.Uint64("sector", sector), zap.Int("size", len(buf)))

	return i.dev.WriteAt(ctx, buf, sector)
}

func (i *instrumentedDevice) Sync(ctx context.Context) (err error) {
	defer func(t0 time.Time) {
		i.m.Volumetry.IO.IORecord(t0, "sync")(0, err)
	}(time.Now())
	i.l.Debug("device sync")

	return i.dev.Sync(ctx)
}

func (i *instrumentedDevice) Sectors() uint64 {
	return i.dev.Sectors()
}

func (i *instrumentedDevice) Close() error {
	i.l.Debug("device close")
	return i.dev.Close()
}

func (i *instrumentedDevice) String() string {
	return i.dev.String()
}
