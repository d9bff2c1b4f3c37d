package metrics

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/oneconcern/capstore/pkg/metrics/exporters/logger"

	"github.com/docker/go-units"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.uber.org/zap"
)

const (
	// KB stands for kilo bytes (1024 bytes)
	KB = units.KiB

	// MB stands for mega bytes (1024 kilo bytes)
	MB = units.MiB

	// GB stands for giga bytes (1024 mega bytes)
	GB = units.GiB

	unitCount    = "count"
	unitSumBytes = "sumbytes"
	unitBps      = "bps"
)

var (
	// global settings for metrics
	mp       *settings
	initOnce sync.Once
)

type settings struct {
	basePath  string
	contexter func() context.Context
	exporter  view.Exporter
	logger    *zap.Logger

	allMetrics []stats.Measure
	allViews   []*view.View

	// a map of all registered modules
	modules   map[string]interface{}
	exclusive sync.Mutex

	d time.Duration
}

func defaultSettings() *settings {
	return &settings{
		basePath:  "capstore",
		modules:   make(map[string]interface{}),
		contexter: context.Background,
		// default reporting period is left to the default from opencensus exporter (10s)
	}
}

// DefaultExporter returns a metrics exporter which logs view data with zap, at debug level
func DefaultExporter(l *zap.Logger) view.Exporter {
	return flusher(logger.NewExporter(l))
}

func newSettings(opts ...Option) *settings {
	s := defaultSettings()
	for _, apply := range opts {
		apply(s)
	}

	if s.exporter == nil {
		s.exporter = DefaultExporter(s.logger)
	}

	s.RegisterExporter()
	return s
}

func (s *settings) EnsureMetrics(location string, m interface{}) interface{} {
	s.exclusive.Lock()
	defer s.exclusive.Unlock()
	location = path.Join(s.basePath, location)

	if existing, ok := s.modules[location]; ok {
		if !equalType(existing, m) {
			panic("trying to re-register existing metrics module with a different type")
		}
		return existing
	}
	scanStruct(location, s.addMetric, m)
	s.modules[location] = m
	return m
}

// Flush collects all remaining data for registered views and exports them
func (s *settings) Flush() {
	for _, v := range s.allViews {
		rows, err := view.RetrieveData(v.Name)
		if err != nil {
			continue // ignore errors when pushing metrics
		}
		data := &view.Data{
			View:  v,
			Start: time.Now(), // cannot figure out last snapshot time from the background worker
			End:   time.Now(),
			Rows:  rows,
		}
		if f, ok := s.exporter.(FlushExporter); ok {
			f.Flush(data)
			continue
		}
		s.exporter.ExportView(data)
	}
}

// registerExporter registers the current set exporter to the opencensus library
func (s *settings) RegisterExporter() {
	if s.exporter != nil {
		view.RegisterExporter(s.exporter)
		if s.d >= time.Second {
			view.SetReportingPeriod(s.d)
		}
	}
}

// unitKind describes how measures of some unit are aggregated by default
type unitKind struct {
	unit        string
	aggregation func() *view.Aggregation
	describe    string
}

var unitKinds = map[string]unitKind{
	"":             {unit: stats.UnitDimensionless, aggregation: view.Count, describe: " counter"},
	unitCount:      {unit: stats.UnitDimensionless, aggregation: view.Count, describe: " counter"},
	"milliseconds": {unit: stats.UnitMilliseconds, aggregation: durationDistribution},
	"bytes":        {unit: stats.UnitBytes, aggregation: bytesDistribution},
	unitSumBytes:   {unit: stats.UnitBytes, aggregation: view.Sum, describe: " cumulated bytes"},
	"bytespersec":  {unit: unitBps, aggregation: throughputDistribution},
	unitBps:        {unit: unitBps, aggregation: throughputDistribution},
}

func kindOf(unit string) unitKind {
	if k, ok := unitKinds[unit]; ok {
		return k
	}
	return unitKinds[unitCount]
}

var extraAggregations = map[string]func() *view.Aggregation{
	unitCount:   view.Count,
	"sum":       view.Sum,
	"lastvalue": view.LastValue,
}

// addMetric creates a metric with some views, according to the decoded struct tags.
//
// Every metric is created with a default view according to its unit type:
//   - counters (unit=count or "") get a count view
//   - bytes get a bytes size distribution view
//   - timings (milliseconds) get a duration distribution view
//   - throughputs (bps) get a throughput distribution view
//   - sumbytes get a cumulated bytes size sum view
//
// Extra views are defined by the extraviews tag, e.g. extraviews:"sum,lastvalue,count"
func (s *settings) addMetric(m interface{}, metric, group string, tags map[string]string) interface{} {
	name := path.Join(group, metric)
	kind := kindOf(tags["unit"])
	description := tags["description"]
	if description == "" {
		description = describeFromTags(name, tags)
	}

	var measure stats.Measure
	switch m.(type) {
	case *stats.Int64Measure:
		measure = stats.Int64(name, description, kind.unit)
	case *stats.Float64Measure:
		measure = stats.Float64(name, description, kind.unit)
	default:
		return nil
	}
	s.allMetrics = append(s.allMetrics, measure)

	keys := groupingKeys(tags["groupings"])
	s.addView(name, description, measure, kind.aggregation(), keys)
	for _, extra := range strings.Split(tags["views"], ",") {
		agg, ok := extraAggregations[extra]
		if !ok {
			continue
		}
		a := agg()
		s.addView(describeViewFromDist(name, a), description, measure, a, keys)
	}
	return measure
}

func (s *settings) addView(name, description string, measure stats.Measure, agg *view.Aggregation, keys []tag.Key) {
	v := &view.View{
		Name:        name,
		Description: describeViewFromDist(description, agg),
		Measure:     measure,
		Aggregation: agg,
		TagKeys:     keys,
	}
	s.allViews = append(s.allViews, v)
	_ = view.Register(v)
}

func groupingKeys(groupings string) []tag.Key {
	var keys []tag.Key
	for _, g := range strings.Split(groupings, ",") {
		if g != "" {
			keys = append(keys, tag.MustNewKey(g))
		}
	}
	return keys
}

func durationDistribution() *view.Aggregation {
	// buckets in milliseconds: from a cached frame IO to a long checkpoint
	return view.Distribution(
		0.1, 0.5,
		1, 5, 10, 50,
		100, 300, 500, 700, 900,
		1000, 3000, 5000, 10000,
		30000, 60000,
	)
}

func bytesDistribution() *view.Aggregation {
	// buckets in bytes: a sector, a frame, up to a full generation
	return view.Distribution(
		512,
		4*KB, 16*KB, 64*KB, 256*KB,
		1*MB, 4*MB, 16*MB, 64*MB,
		256*MB, 1*GB,
	)
}

func throughputDistribution() *view.Aggregation {
	return view.Distribution(
		1*KB, 5*KB, 50*KB, 100*KB, // single frames
		1*MB, 10*MB, 20*MB, 50*MB,
		100*MB, 150*MB,
	)
}

func describeFromTags(name string, tags map[string]string) string {
	unit := tags["unit"]
	if k, ok := unitKinds[unit]; ok && k.describe != "" {
		return name + k.describe
	}
	return name + " in " + unit
}

var aggregationSuffix = map[view.AggType]string{
	view.AggTypeCount:        " [count]",
	view.AggTypeSum:          " [cumulated]",
	view.AggTypeDistribution: " [distribution]",
	view.AggTypeLastValue:    " [last]",
}

func describeViewFromDist(desc string, in *view.Aggregation) string {
	if in == nil {
		return desc
	}
	return desc + aggregationSuffix[in.Type]
}

// FlushExporter is a view exporter which may export views on demand,
// concurrently with the background exporter of opencensus.
type FlushExporter interface {
	view.Exporter
	Flush(*view.Data)
}

func flusher(e view.Exporter) FlushExporter {
	return &simpleFlusher{e: e}
}

type simpleFlusher struct {
	e view.Exporter
	m sync.RWMutex
}

func (f *simpleFlusher) ExportView(viewData *view.Data) {
	f.m.RLock()
	defer f.m.RUnlock()
	f.e.ExportView(viewData)
}

func (f *simpleFlusher) Flush(viewData *view.Data) {
	f.m.Lock()
	defer f.m.Unlock()
	f.e.ExportView(viewData)
}
