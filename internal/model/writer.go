package model

import "context"

// ResultWriter persists per-file reports to some sink.
type ResultWriter interface {
	// Name identifies the sink in logs.
	Name() string

	// Write persists one report.
	Write(ctx context.Context, report *FileReport) error

	// Close releases connections held by the sink.
	Close() error
}
