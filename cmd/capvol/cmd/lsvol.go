// Copyright © 2018 One Concern

package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/gosuri/uitable"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/volume"
	"github.com/spf13/cobra"
)

type divisionInfo struct {
	Type     string `json:"type" yaml:"type"`
	Start    uint32 `json:"start" yaml:"start"`
	End      uint32 `json:"end" yaml:"end"`
	StartOID string `json:"startOID,omitempty" yaml:"startOID,omitempty"`
	Frames   uint64 `json:"frames" yaml:"frames"`
	Clusters uint64 `json:"clusters,omitempty" yaml:"clusters,omitempty"`
}

type volumeInfo struct {
	Path      string         `json:"path" yaml:"path"`
	SystemID  uint64         `json:"systemID" yaml:"systemID"`
	PageSize  uint32         `json:"pageSize" yaml:"pageSize"`
	Size      string         `json:"size" yaml:"size"`
	LogFrames uint64         `json:"logFrames" yaml:"logFrames"`
	Divisions []divisionInfo `json:"divisions" yaml:"divisions"`
}

func describeVolume(path string, vol *volume.Volume) volumeInfo {
	h := vol.Header()
	info := volumeInfo{
		Path:      path,
		SystemID:  h.SystemID,
		PageSize:  h.PageSize,
		Size:      units.BytesSize(float64(vol.Device().Sectors() * disk.SectorSize)),
		LogFrames: vol.LogFrames(),
	}
	for _, d := range vol.Divisions() {
		di := divisionInfo{
			Type:   d.Type.String(),
			Start:  d.Start,
			End:    d.End,
			Frames: d.Frames(),
		}
		if d.Type == disk.DivObject {
			di.StartOID = d.StartOID.String()
			di.Clusters = d.Clusters()
		}
		info.Divisions = append(info.Divisions, di)
	}
	return info
}

func volumeTable() FormatterFunc {
	return func(w io.Writer, data interface{}) error {
		info := data.(volumeInfo)
		fmt.Fprintf(w, "%s: system %#x, %s, page size %d, %d log frames\n",
			info.Path, info.SystemID, info.Size, info.PageSize, info.LogFrames)
		table := uitable.New()
		table.AddRow("TYPE", "START", "END", "FRAMES", "START OID", "CLUSTERS")
		for _, d := range info.Divisions {
			clusters := ""
			if d.Clusters > 0 {
				clusters = fmt.Sprint(d.Clusters)
			}
			table.AddRow(d.Type, d.Start, d.End, d.Frames, d.StartOID, clusters)
		}
		_, err := fmt.Fprintln(w, table)
		return err
	}
}

var lsvolCmd = &cobra.Command{
	Use:   "lsvol",
	Short: "Describe a volume",
	Long:  `Print the header of a volume, and its division table`,
	Example: `% capvol lsvol --volume disk0.vol
disk0.vol: system 0x2a, 1.1MiB, page size 4096, 64 log frames
TYPE    	START	END 	FRAMES	START OID	CLUSTERS
boot    	0    	8   	1     	         	
...`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "lsvol", err)
		}(time.Now())

		vol, err := openVolume(context.Background(), capvolFlags.volume.path)
		if err != nil {
			wrapFatalln("open volume", err)
			return
		}
		defer vol.Close()

		print(cmd, describeVolume(capvolFlags.volume.path, vol))
	},
}

func init() {
	requireFlags(lsvolCmd, addVolumeFlag(lsvolCmd))
	addFormatFlag(lsvolCmd, "table", map[string]Formatter{"table": volumeTable()})
	rootCmd.AddCommand(lsvolCmd)
}
