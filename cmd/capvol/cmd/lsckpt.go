package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/volume"
	"github.com/spf13/cobra"
)

type rootInfo struct {
	Slot               int      `json:"slot" yaml:"slot"`
	Valid              bool     `json:"valid" yaml:"valid"`
	Selected           bool     `json:"selected" yaml:"selected"`
	Error              string   `json:"error,omitempty" yaml:"error,omitempty"`
	Sequence           uint64   `json:"sequence" yaml:"sequence"`
	Generation         uint64   `json:"generation" yaml:"generation"`
	MigratedGeneration uint64   `json:"migratedGeneration" yaml:"migratedGeneration"`
	EndLog             disk.LID `json:"endLog" yaml:"endLog"`
	MaxNPCount         uint32   `json:"maxNPCount" yaml:"maxNPCount"`
}

type generationInfo struct {
	Generation      uint64   `json:"generation" yaml:"generation"`
	Header          disk.LID `json:"header" yaml:"header"`
	Error           string   `json:"error,omitempty" yaml:"error,omitempty"`
	FirstLID        disk.LID `json:"firstLID" yaml:"firstLID"`
	LastLID         disk.LID `json:"lastLID" yaml:"lastLID"`
	DemarcationTime uint64   `json:"demarcationTime" yaml:"demarcationTime"`
	Processes       uint32   `json:"processes" yaml:"processes"`
	ProcessFrames   uint32   `json:"processFrames" yaml:"processFrames"`
	Objects         uint32   `json:"objects" yaml:"objects"`
	ObjectFrames    uint32   `json:"objectFrames" yaml:"objectFrames"`
}

type checkpointInfo struct {
	Roots       [2]rootInfo      `json:"roots" yaml:"roots"`
	Generations []generationInfo `json:"generations" yaml:"generations"`
}

func describeCheckpoints(ctx context.Context, vol *volume.Volume) (checkpointInfo, error) {
	var info checkpointInfo
	slots, err := vol.ReadRoots(ctx)
	if err != nil {
		return info, err
	}
	for i, buf := range slots {
		info.Roots[i].Slot = i
		var root disk.CheckpointRoot
		if err := root.UnmarshalBinary(buf); err != nil {
			info.Roots[i].Error = err.Error()
			continue
		}
		info.Roots[i] = rootInfo{
			Slot:               i,
			Valid:              true,
			Sequence:           root.Sequence,
			Generation:         root.Generation,
			MigratedGeneration: root.MigratedGeneration,
			EndLog:             root.EndLog,
			MaxNPCount:         uint32(root.MaxNPCount),
		}
	}

	root, slot, err := disk.SelectRoot(slots[0], slots[1])
	if err != nil {
		// nothing to walk: report both broken slots
		return info, nil
	}
	info.Roots[slot].Selected = true

	for _, lid := range root.Generations {
		gen := generationInfo{Header: lid}
		buf, err := vol.ReadLogFrame(ctx, lid.Frame())
		if err != nil {
			return info, err
		}
		var h disk.GenerationHeader
		if err := h.UnmarshalBinary(buf); err != nil {
			gen.Error = err.Error()
			info.Generations = append(info.Generations, gen)
			continue
		}
		gen.Generation = h.Generation
		gen.FirstLID, gen.LastLID = h.FirstLID, h.LastLID
		gen.DemarcationTime = h.DemarcationTime
		gen.Processes, gen.ProcessFrames = h.Processes.Count, h.Processes.Frames
		gen.Objects, gen.ObjectFrames = h.Objects.Count, h.Objects.Frames
		info.Generations = append(info.Generations, gen)
	}
	return info, nil
}

func checkpointTable() FormatterFunc {
	return func(w io.Writer, data interface{}) error {
		info := data.(checkpointInfo)
		roots := uitable.New()
		roots.AddRow("SLOT", "STATUS", "SEQUENCE", "GENERATION", "MIGRATED", "END LOG", "MAX NP COUNT")
		for _, r := range info.Roots {
			var st string
			switch {
			case r.Selected:
				st = color.GreenString("selected")
			case r.Valid:
				st = color.YellowString("valid")
			default:
				st = color.RedString("invalid")
				roots.AddRow(r.Slot, st, color.HiBlackString(r.Error))
				continue
			}
			roots.AddRow(r.Slot, st, r.Sequence, r.Generation, r.MigratedGeneration, r.EndLog, r.MaxNPCount)
		}
		if _, err := fmt.Fprintln(w, roots); err != nil {
			return err
		}
		if len(info.Generations) == 0 {
			return nil
		}

		gens := uitable.New()
		gens.AddRow("GENERATION", "HEADER", "LOG", "DEMARCATION", "PROCESSES", "OBJECTS")
		for _, g := range info.Generations {
			if g.Error != "" {
				gens.AddRow("?", g.Header, color.RedString(g.Error))
				continue
			}
			gens.AddRow(g.Generation, g.Header, fmt.Sprintf("%v..%v", g.FirstLID, g.LastLID), g.DemarcationTime,
				fmt.Sprintf("%d (%d frames)", g.Processes, g.ProcessFrames),
				fmt.Sprintf("%d (%d frames)", g.Objects, g.ObjectFrames))
		}
		_, err := fmt.Fprintln(w, gens)
		return err
	}
}

var lsckptCmd = &cobra.Command{
	Use:   "lsckpt",
	Short: "Describe the checkpoint log of a volume",
	Long: `Print both checkpoint root slots, and the directories of each generation
referenced by the selected root.

The selected root is the valid one with the highest generation. An invalid slot is
expected after a crash during a root write.`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "lsckpt", err)
		}(time.Now())

		ctx := context.Background()
		vol, err := openVolume(ctx, capvolFlags.volume.path)
		if err != nil {
			wrapFatalln("open volume", err)
			return
		}
		defer vol.Close()

		info, err := describeCheckpoints(ctx, vol)
		if err != nil {
			wrapFatalln("read checkpoint log", err)
			return
		}
		print(cmd, info)
	},
}

func init() {
	requireFlags(lsckptCmd, addVolumeFlag(lsckptCmd))
	addFormatFlag(lsckptCmd, "table", map[string]Formatter{"table": checkpointTable()})
	rootCmd.AddCommand(lsckptCmd)
}
