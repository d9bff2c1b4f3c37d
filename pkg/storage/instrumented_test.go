// Copyright © 2018 One Concern

package storage_test

import (
	"context"
	"testing"

	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/oneconcern/capstore/pkg/storage"
	"github.com/oneconcern/capstore/pkg/storage/localfs"
	"github.com/oneconcern/capstore/pkg/storage/status"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInstrument(t *testing.T) {
	raw, err := localfs.Create(afero.NewMemMapFs(), "/dev.vol", 16, false)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	dev := storage.Instrument(zap.New(core), raw)
	ctx := context.Background()

	buf := make([]byte, storage.SectorSize)
	buf[0] = 42
	require.NoError(t, dev.WriteAt(ctx, buf, 3))
	require.NoError(t, dev.Sync(ctx))
	got := make([]byte, storage.SectorSize)
	require.NoError(t, dev.ReadAt(ctx, got, 3))
	assert.Equal(t, buf, got)
	assert.Equal(t, raw.Sectors(), dev.Sectors())
	assert.Equal(t, raw.String(), dev.String())

	err = dev.ReadAt(ctx, got, 16)
	assert.True(t, errors.Is(err, status.ErrOutOfRange))

	require.NoError(t, dev.Close())
	assert.Equal(t, 5, logs.FilterField(zap.String("device", raw.String())).Len())
}

func TestInstrumentThroughput(t *testing.T) {
	raw, err := localfs.Create(afero.NewMemMapFs(), "/throughput.vol", 16, false)
	require.NoError(t, err)
	dev := storage.Instrument(zap.NewNop(), raw)
	ctx := context.Background()

	buf := make([]byte, 4*storage.SectorSize)
	require.NoError(t, dev.WriteAt(ctx, buf, 0))
	require.NoError(t, dev.ReadAt(ctx, buf, 0))
	require.NoError(t, dev.Sync(ctx))

	// sync moves no data, and has no throughput
	rows, err := view.RetrieveData("capstore/storage/volumetry/device/throughput")
	require.NoError(t, err)
	operations := make(map[string]int64)
	for _, row := range rows {
		dist, ok := row.Data.(*view.DistributionData)
		require.True(t, ok)
		for _, tg := range row.Tags {
			if tg.Key.Name() == "operation" {
				operations[tg.Value] += dist.Count
			}
		}
	}
	assert.Positive(t, operations["write"]+operations["read"])
	assert.Zero(t, operations["sync"])

	timing, err := view.RetrieveData("capstore/storage/volumetry/device/timing")
	require.NoError(t, err)
	assert.NotEmpty(t, timing)
}

func TestCheckRange(t *testing.T) {
	assert.NoError(t, storage.CheckRange(storage.SectorSize*2, 6, 8))
	assert.True(t, errors.Is(storage.CheckRange(storage.SectorSize*2, 7, 8), status.ErrOutOfRange))
	assert.True(t, errors.Is(storage.CheckRange(10, 0, 8), status.ErrUnaligned))
}
