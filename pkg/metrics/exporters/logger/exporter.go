// Package logger provides an opencensus exporter which logs view data with zap.
//
// This is the default exporter for capstore: metrics end up in the structured logs
// of the process, at debug level.
package logger

import (
	"go.opencensus.io/stats/view"
	"go.uber.org/zap"
)

// NewExporter builds a new logging opencensus exporter. A nil logger disables exports.
func NewExporter(l *zap.Logger) *Exporter {
	if l == nil {
		l = zap.NewNop()
	}
	return &Exporter{
		l: l.Named("metrics"),
	}
}

var _ view.Exporter = &Exporter{}

// Exporter logs opencensus view data
type Exporter struct {
	l *zap.Logger
}

// ExportView logs the rows of some view
func (e *Exporter) ExportView(viewData *view.Data) {
	if viewData == nil || viewData.View == nil {
		return
	}
	for _, row := range viewData.Rows {
		fields := make([]zap.Field, 0, len(row.Tags)+2)
		fields = append(fields, zap.String("view", viewData.View.Name))
		for _, t := range row.Tags {
			fields = append(fields, zap.String(t.Key.Name(), t.Value))
		}
		fields = append(fields, zap.Any("data", row.Data))
		e.l.Debug("metric", fields...)
	}
}
