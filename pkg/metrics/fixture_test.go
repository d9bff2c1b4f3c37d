package metrics

import "go.opencensus.io/stats"

type exampleMetrics struct {
	Telemetry struct {
		UsageCounts   []FramesMetrics       `group:"usage" description:""`    // ignored
		FailureCounts []*stats.Int64Measure `group:"failures" description:""` // ignored
		TestCount     *stats.Int64Measure   `metric:"testCount" description:"number of tests"`
	} `group:"telemetry" description:""`
	Volumetry struct {
		Log   FramesMetrics `group:"log" description:""`
		Cache CacheMetrics  `group:"cache" description:""`
	} `group:"volumetry" description:""`
	Device struct {
		Requests IOMetrics
	} `group:"device" description:""`
}

func (e *exampleMetrics) IncTest() {
	Inc(e.Telemetry.TestCount, map[string]string{"kind": "test"})
}
