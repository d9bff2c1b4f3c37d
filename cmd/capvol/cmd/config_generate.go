package cmd

import (
	"bytes"
	"io"
	"path/filepath"
	"time"

	"github.com/oneconcern/capstore/pkg/config"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

func writeConfig(w io.Writer, cfg config.Kernel) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a configuration file",
	Long:  `Generate a configuration file holding the default kernel settings`,
	Example: `% capvol config generate --output /etc/capstore/capstore.yaml
% capvol config generate | grep cacheObjects
cacheObjects: 4096`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "config generate", err)
		}(time.Now())

		cfg := config.Default()
		if capvolFlags.config.output == "" {
			if err = writeConfig(out, cfg); err != nil {
				wrapFatalln("write configuration", err)
			}
			return
		}
		var buf bytes.Buffer
		if err = writeConfig(&buf, cfg); err != nil {
			wrapFatalln("write configuration", err)
			return
		}
		if err = fs.MkdirAll(filepath.Dir(capvolFlags.config.output), 0o755); err != nil {
			wrapFatalln("create configuration directory", err)
			return
		}
		if err = afero.WriteFile(fs, capvolFlags.config.output, buf.Bytes(), 0o644); err != nil {
			wrapFatalln("write configuration file", err)
		}
	},
}

func init() {
	addOutputFlag(configGenerateCmd)
	configCmd.AddCommand(configGenerateCmd)
}
