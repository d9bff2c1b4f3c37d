// Copyright © 2018 One Concern

package cmd

import (
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/spf13/cobra"
)

type flagsT struct {
	root struct {
		logLevel string
		metrics  bool
	}
	volume struct {
		path      string
		clusters  []uint
		logFrames uint64
		systemID  uint64
		force     bool
	}
	ckpt struct {
		migrate bool
	}
	preload struct {
		image  string
		pages  int
		random bool
	}
	config struct {
		output string
	}
}

var capvolFlags = flagsT{}

func addVolumeFlag(cmd *cobra.Command) string {
	volume := "volume"
	cmd.Flags().StringVar(&capvolFlags.volume.path, volume, "", "The path to the volume file")
	return volume
}

func addClustersFlag(cmd *cobra.Command) string {
	clusters := "clusters"
	cmd.Flags().UintSliceVar(&capvolFlags.volume.clusters, clusters, []uint{1},
		"Number of tag pot clusters of each object division. Each value creates a division.")
	return clusters
}

func addLogFramesFlag(cmd *cobra.Command) string {
	logFrames := "log-frames"
	cmd.Flags().Uint64Var(&capvolFlags.volume.logFrames, logFrames, 256, "Number of frames in the checkpoint log")
	return logFrames
}

func addSystemIDFlag(cmd *cobra.Command) string {
	systemID := "system-id"
	cmd.Flags().Uint64Var(&capvolFlags.volume.systemID, systemID, 0, "Unique id of the system owning the volume (defaults to a random id)")
	return systemID
}

func addForceFlag(cmd *cobra.Command) string {
	force := "force"
	cmd.Flags().BoolVar(&capvolFlags.volume.force, force, false, "Overwrite an existing volume file")
	return force
}

func addMigrateFlag(cmd *cobra.Command) string {
	migrate := "migrate"
	cmd.Flags().BoolVar(&capvolFlags.ckpt.migrate, migrate, false, "Migrate the oldest generation after the checkpoint")
	return migrate
}

func addImageFlag(cmd *cobra.Command) string {
	image := "image"
	cmd.Flags().StringVar(&capvolFlags.preload.image, image, "", "The directory of the preload image")
	return image
}

func addPagesFlag(cmd *cobra.Command) string {
	pages := "pages"
	cmd.Flags().IntVar(&capvolFlags.preload.pages, pages, 16,
		"Number of pages in the preload image, starting at "+disk.FirstNonPersistentOID.String())
	return pages
}

func addRandomFlag(cmd *cobra.Command) string {
	random := "random"
	cmd.Flags().BoolVar(&capvolFlags.preload.random, random, false, "Fill preloaded pages with random bytes instead of zeroes")
	return random
}

func addOutputFlag(cmd *cobra.Command) string {
	output := "output"
	cmd.Flags().StringVar(&capvolFlags.config.output, output, "", "Write to this file instead of stdout")
	return output
}

func requireFlags(cmd *cobra.Command, flags ...string) {
	for _, flag := range flags {
		if err := cmd.MarkFlagRequired(flag); err != nil {
			wrapFatalln("mark required flag", err)
		}
	}
}
