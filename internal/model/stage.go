package model

import (
	"context"

	"PcapSanitizer/internal/config"
)

// Stage names, in pipeline order.
const (
	StageDedup     = "dedup"
	StageAnonymize = "anonymize"
	StageMask      = "mask"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []string{StageDedup, StageAnonymize, StageMask}

// Stage is one capture-to-capture transformation.
//
// Initialize is called once per instance. Process may be called many times
// on one initialized instance; whether state carries over between calls is
// up to the stage. Cleanup is idempotent.
type Stage interface {
	Name() string
	Initialize(cfg *config.Config) error
	Process(ctx context.Context, inputPath, outputPath string) (*StageStats, error)
	Cleanup()
}

// ProgressFunc is called synchronously after each stage completes.
type ProgressFunc func(stage string, stats *StageStats)
