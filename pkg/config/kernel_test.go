package config

import (
	"strings"
	"testing"
	"time"

	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	k := Default()
	require.NoError(t, k.Validate())
	frames, err := k.PhysFrames()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), frames)
}

func TestRead(t *testing.T) {
	k, err := Read(strings.NewReader(`
cacheObjects: 128
checkpointInterval: 5s
physMemory: 64KiB
metrics: true
metricsPeriod: 1m
`))
	require.NoError(t, err)
	assert.Equal(t, 128, k.CacheObjects)
	assert.Equal(t, 5*time.Second, k.CheckpointInterval)
	assert.True(t, k.Metrics)
	assert.Equal(t, time.Minute, k.MetricsPeriod)
	assert.Equal(t, Default().MaxGenerations, k.MaxGenerations)
	frames, err := k.PhysFrames()
	require.NoError(t, err)
	assert.Equal(t, uint64(16), frames)

	k, err = Read(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), k)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Kernel)
	}{
		{name: "cache", mutate: func(k *Kernel) { k.CacheObjects = 0 }},
		{name: "generations", mutate: func(k *Kernel) { k.MaxGenerations = 1000 }},
		{name: "concurrency", mutate: func(k *Kernel) { k.WriteConcurrency = -1 }},
		{name: "interval", mutate: func(k *Kernel) { k.CheckpointInterval = -time.Second }},
		{name: "metrics", mutate: func(k *Kernel) { k.MetricsPeriod = -time.Second }},
		{name: "memory", mutate: func(k *Kernel) { k.PhysMemory = "lots" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := Default()
			tc.mutate(&k)
			assert.True(t, errors.Is(k.Validate(), ErrInvalid))
		})
	}
}
