package cmd

import (
	"context"
	"time"

	"github.com/oneconcern/capstore/pkg/ckpt"
	"github.com/spf13/cobra"
)

type checkpointResult struct {
	Migrated uint64      `json:"migrated,omitempty" yaml:"migrated,omitempty"`
	Status   ckpt.Status `json:"status" yaml:"status"`
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Take a checkpoint of a volume",
	Long: `Boot a kernel from a volume, and take a checkpoint of the restored state.

With --migrate, the oldest un-migrated generation is then copied to the home locations
of its objects, and its log frames are reclaimed.`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "checkpoint", err)
		}(time.Now())

		ctx := context.Background()
		k, err := bootKernel(ctx, capvolFlags.volume.path)
		if err != nil {
			wrapFatalln("boot kernel", err)
			return
		}
		defer k.Close()

		if err = k.Checkpoint(ctx); err != nil {
			wrapFatalln("checkpoint", err)
			return
		}
		var res checkpointResult
		if capvolFlags.ckpt.migrate {
			if res.Migrated, err = k.Checkpoints().Migrate(ctx); err != nil {
				wrapFatalln("migrate", err)
				return
			}
		}
		res.Status = k.Checkpoints().Status()
		print(cmd, res)
	},
}

func init() {
	requireFlags(checkpointCmd, addVolumeFlag(checkpointCmd))
	addMigrateFlag(checkpointCmd)
	addFormatFlag(checkpointCmd, "yaml")
	rootCmd.AddCommand(checkpointCmd)
}
