package cmd

import (
	"time"

	"github.com/oneconcern/capstore/pkg/metrics"
)

// M describes metrics for the cmd package
type M struct {
	Usage metrics.UsageMetrics `group:"telemetry" description:"usage stats for the capvol CLI"`
}

var cliMetrics *M

// cliUsage records a usage metric in the CLI context in a single go.
// This is intended to be used in some defer statement.
//
// Metrics are flushed as soon as the command is done.
func cliUsage(t0 time.Time, command string, err error) {
	if capvolFlags.root.metrics && cliMetrics != nil {
		cliMetrics.Usage.UsedAll(t0, command)(err)
		metrics.Flush()
	}
}
