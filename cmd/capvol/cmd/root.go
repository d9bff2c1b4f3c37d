// Copyright © 2018 One Concern

package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/oneconcern/capstore/pkg/config"
	"github.com/oneconcern/capstore/pkg/dlogger"
	"github.com/oneconcern/capstore/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "capvol",
	Short: "capvol manages the volumes of a persistent capability store",
	Long: `capvol manages the volumes of a persistent capability store.

A volume holds the home locations of persistent objects, with their tag pots, and the
checkpoint log. capvol formats volumes, inspects their layout and checkpoint roots,
boots a kernel to run restart and checkpoints, and builds preload images.

The kernel configuration is read from $CAPSTORE_CONFIG, ./capstore.yaml, $HOME/.capstore/capstore.yaml
or /etc/capstore/capstore.yaml. Settings may be overridden by CAPSTORE_* environment variables.
`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		l, err := dlogger.GetLogger(kernelConfig.LogLevel)
		if err != nil {
			wrapFatalln("create logger", err)
			return
		}
		logger = l
		if kernelConfig.Metrics {
			metrics.Init(
				metrics.WithLogger(logger),
				metrics.WithBasePath("capvol"),
				metrics.WithReportingPeriod(kernelConfig.MetricsPeriod),
				metrics.WithContexter(cmd.Context),
			)
			cliMetrics = metrics.EnsureMetrics("capvol", &M{}).(*M)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

var (
	kernelConfig = config.Default()
	logger       = zap.NewNop()
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		osExit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&capvolFlags.root.logLevel, "log-level", "", "Log level: debug, info, warn, error or none")
	rootCmd.PersistentFlags().BoolVar(&capvolFlags.root.metrics, "metrics", false, "Collect metrics and log them")
	_ = viper.BindPFlag("logLevel", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("metrics", rootCmd.PersistentFlags().Lookup("metrics"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	defaults := config.Default()
	viper.SetDefault("cacheObjects", defaults.CacheObjects)
	viper.SetDefault("arenaSlots", defaults.ArenaSlots)
	viper.SetDefault("logLevel", defaults.LogLevel)
	viper.SetDefault("checkpointInterval", defaults.CheckpointInterval)
	viper.SetDefault("maxGenerations", defaults.MaxGenerations)
	viper.SetDefault("writeConcurrency", defaults.WriteConcurrency)
	viper.SetDefault("preloadImage", defaults.PreloadImage)
	viper.SetDefault("physMemory", defaults.PhysMemory)
	viper.SetDefault("metrics", defaults.Metrics)
	viper.SetDefault("metricsPeriod", defaults.MetricsPeriod)

	if os.Getenv("CAPSTORE_CONFIG") != "" {
		viper.SetConfigFile(os.Getenv("CAPSTORE_CONFIG"))
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.capstore")
		viper.AddConfigPath("/etc/capstore")
		viper.SetConfigName("capstore")
	}
	viper.SetEnvPrefix("capstore")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		log.Println("Using config file:", viper.ConfigFileUsed())
	}

	cfg := config.Default()
	if err := viper.Unmarshal(&cfg); err != nil {
		logFatalln(err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logFatalln(err)
		return
	}
	kernelConfig = cfg
}
