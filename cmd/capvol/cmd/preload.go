package cmd

import (
	"time"

	"github.com/oneconcern/capstore/internal/rand"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/obcache"
	"github.com/spf13/cobra"
)

// buildPreloadImage writes pages at the start of the non-persistent range
func buildPreloadImage(dir string, pages int, random bool) (manifest obcache.PreloadManifest, err error) {
	db, err := obcache.OpenPreloadDB(dir, false, logger)
	if err != nil {
		return manifest, err
	}
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()

	w := obcache.NewPreloadWriter(db, disk.FirstNonPersistentOID)
	first := disk.FirstNonPersistentOID.Frame()
	for i := 0; i < pages; i++ {
		data := make([]byte, disk.PageSize)
		if random {
			rand.Fill(data)
		}
		if err = w.AddPage(disk.FrameOID(first+uint64(i)), data); err != nil {
			return manifest, err
		}
	}
	return w.Close()
}

var preloadCmd = &cobra.Command{
	Use:   "preload",
	Short: "Build a preload image",
	Long: `Build a preload image: pages loaded into the non-persistent range when a kernel boots.

Boot a kernel with the image using "capvol boot --image DIR", or the preloadImage setting.`,
	Example: `% capvol preload --image /var/lib/capstore/preload --pages 64 --random`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "preload", err)
		}(time.Now())

		manifest, err := buildPreloadImage(capvolFlags.preload.image, capvolFlags.preload.pages, capvolFlags.preload.random)
		if err != nil {
			wrapFatalln("build preload image", err)
			return
		}
		print(cmd, manifest)
	},
}

func init() {
	requireFlags(preloadCmd, addImageFlag(preloadCmd))
	addPagesFlag(preloadCmd)
	addRandomFlag(preloadCmd)
	addFormatFlag(preloadCmd, "yaml")
	rootCmd.AddCommand(preloadCmd)
}
