package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats"
)

func TestStructTags(t *testing.T) {
	s := newSettings()
	m := &exampleMetrics{}

	scanStruct("parent", s.addMetric, m)

	assert.Nil(t, m.Telemetry.UsageCounts)   // ignored slice
	assert.Nil(t, m.Telemetry.FailureCounts) // ignored slice

	assert.NotNil(t, m.Telemetry.TestCount)
	assert.NotNil(t, m.Volumetry.Log.FrameCount)
	assert.NotNil(t, m.Volumetry.Log.FrameBytes)
	assert.NotNil(t, m.Volumetry.Cache.Hits)
	assert.NotNil(t, m.Volumetry.Cache.Resident)
	assert.NotNil(t, m.Device.Requests.Count)
	assert.NotNil(t, m.Device.Requests.Timing)
	assert.NotNil(t, m.Device.Requests.Failures)
	assert.NotNil(t, m.Device.Requests.IOSize)

	require.NotNil(t, m.Device.Requests.IOThroughput)
	assert.IsType(t, &stats.Float64Measure{}, m.Device.Requests.IOThroughput)
	assert.Len(t, s.allMetrics, 12)
	assert.Len(t, s.allViews, 18)
}
