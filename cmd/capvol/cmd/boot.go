package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/oneconcern/capstore/pkg/kernel"
	"github.com/spf13/cobra"
)

type bootInfo struct {
	Generation      uint64               `json:"generation" yaml:"generation"`
	RootSlot        int                  `json:"rootSlot" yaml:"rootSlot"`
	DemarcationTime uint64               `json:"demarcationTime" yaml:"demarcationTime"`
	Objects         int                  `json:"objects" yaml:"objects"`
	Processes       []kernel.ProcessInfo `json:"processes" yaml:"processes"`
}

func bootTable() FormatterFunc {
	return func(w io.Writer, data interface{}) error {
		info := data.(bootInfo)
		fmt.Fprintf(w, "restarted from generation %d (slot %d, demarcation %d): %d objects, %d processes\n",
			info.Generation, info.RootSlot, info.DemarcationTime, info.Objects, len(info.Processes))
		if len(info.Processes) == 0 {
			return nil
		}
		table := uitable.New()
		table.AddRow("PID", "STATE", "CALL COUNT", "PENDING")
		for _, p := range info.Processes {
			state := p.State.String()
			switch {
			case p.Malformed:
				state = color.RedString(state + " (malformed)")
			case p.State == kernel.Faulted:
				state = color.RedString(state)
			case p.State == kernel.Waiting:
				state = color.YellowString(state)
			}
			table.AddRow(p.OID, state, p.CallCount, p.Pending)
		}
		_, err := fmt.Fprintln(w, table)
		return err
	}
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Restart a kernel from a volume",
	Long: `Boot a kernel from the latest stable generation of a volume, and list the restored processes.

The kernel is shut down right after: nothing is written to the volume.`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "boot", err)
		}(time.Now())

		if capvolFlags.preload.image != "" {
			kernelConfig.PreloadImage = capvolFlags.preload.image
		}
		k, err := bootKernel(context.Background(), capvolFlags.volume.path)
		if err != nil {
			wrapFatalln("boot kernel", err)
			return
		}
		defer k.Close()

		rec := k.Recovered()
		print(cmd, bootInfo{
			Generation:      rec.Root.Generation,
			RootSlot:        rec.Slot,
			DemarcationTime: rec.DemarcationTime,
			Objects:         rec.Objects,
			Processes:       k.Processes(),
		})
	},
}

func init() {
	requireFlags(bootCmd, addVolumeFlag(bootCmd))
	addImageFlag(bootCmd)
	addFormatFlag(bootCmd, "table", map[string]Formatter{"table": bootTable()})
	rootCmd.AddCommand(bootCmd)
}
