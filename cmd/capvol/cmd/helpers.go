package cmd

import (
	"context"

	"github.com/oneconcern/capstore/pkg/kernel"
	"github.com/oneconcern/capstore/pkg/storage"
	"github.com/oneconcern/capstore/pkg/storage/localfs"
	"github.com/oneconcern/capstore/pkg/volume"
	"github.com/spf13/afero"
)

// fs holds volume files and preload images. Tests replace it with an in-memory file system.
var fs = afero.NewOsFs()

func openDevice(path string) (storage.Device, error) {
	dev, err := localfs.New(fs, path)
	if err != nil {
		return nil, err
	}
	if kernelConfig.Metrics {
		dev = storage.Instrument(logger, dev)
	}
	return dev, nil
}

func openVolume(ctx context.Context, path string) (*volume.Volume, error) {
	dev, err := openDevice(path)
	if err != nil {
		return nil, err
	}
	vol, err := volume.Open(ctx, dev, volume.Logger(logger), volume.WithMetrics(kernelConfig.Metrics))
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return vol, nil
}

func bootKernel(ctx context.Context, path string) (*kernel.Kernel, error) {
	dev, err := openDevice(path)
	if err != nil {
		return nil, err
	}
	cfg := kernelConfig
	// commands run once: no periodic checkpoints
	cfg.CheckpointInterval = 0
	k, err := kernel.Boot(ctx, dev, cfg, kernel.Logger(logger))
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return k, nil
}
