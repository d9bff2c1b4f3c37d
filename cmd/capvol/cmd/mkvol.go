// Copyright © 2018 One Concern

package cmd

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/oneconcern/capstore/internal/rand"
	"github.com/oneconcern/capstore/pkg/storage/localfs"
	"github.com/oneconcern/capstore/pkg/volume"
	"github.com/spf13/cobra"
)

var mkvolCmd = &cobra.Command{
	Use:   "mkvol",
	Short: "Create a volume",
	Long: `Create and format a volume file.

The volume gets a boot division, its division tables, one object division for each
cluster count, and a checkpoint log. Tag pots are zeroed and the checkpoint root
describes an empty generation 0.`,
	Example: `% capvol mkvol --volume /var/lib/capstore/disk0.vol --clusters 4,4 --log-frames 1024`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "mkvol", err)
		}(time.Now())

		ctx := context.Background()
		layout := volume.Layout{
			LogFrames: capvolFlags.volume.logFrames,
			SystemID:  capvolFlags.volume.systemID,
		}
		for _, c := range capvolFlags.volume.clusters {
			layout.ObjectClusters = append(layout.ObjectClusters, uint64(c))
		}
		if layout.SystemID == 0 {
			layout.SystemID = binary.LittleEndian.Uint64(rand.Bytes(8))
		}

		dev, err := localfs.Create(fs, capvolFlags.volume.path, layout.Sectors(), !capvolFlags.volume.force)
		if err != nil {
			wrapFatalln("create volume file", err)
			return
		}
		vol, err := volume.Format(ctx, dev, layout, volume.Logger(logger))
		if err != nil {
			_ = dev.Close()
			wrapFatalln("format volume", err)
			return
		}
		defer vol.Close()

		print(cmd, describeVolume(capvolFlags.volume.path, vol))
	},
}

func init() {
	requireFlags(mkvolCmd, addVolumeFlag(mkvolCmd))
	addClustersFlag(mkvolCmd)
	addLogFramesFlag(mkvolCmd)
	addSystemIDFlag(mkvolCmd)
	addForceFlag(mkvolCmd)
	addFormatFlag(mkvolCmd, "table", map[string]Formatter{"table": volumeTable()})
	rootCmd.AddCommand(mkvolCmd)
}
