// Package metrics holds the prometheus collectors of the pipeline.
package metrics

import (
	"PcapSanitizer/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StagePackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcapsan_stage_packets_total",
		Help: "Packets seen by a stage, split by whether the stage modified them.",
	}, []string{"stage", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pcapsan_stage_duration_seconds",
		Help:    "Wall time of one stage over one file.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"stage"})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcapsan_runs_total",
		Help: "Files processed, by result (success or the error kind).",
	}, []string{"result"})

	ArenaEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pcapsan_arena_entries",
		Help: "Scratch paths currently registered in the resource arena.",
	})

	RuleConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcapsan_marker_rule_conflicts_total",
		Help: "Keep rules dropped because they overlapped an earlier claim.",
	})
)

// ObserveStage records the stats of one finished stage.
func ObserveStage(stats *model.StageStats) {
	if stats == nil {
		return
	}
	StagePackets.WithLabelValues(stats.StageName, "modified").Add(float64(stats.PacketsModified))
	StagePackets.WithLabelValues(stats.StageName, "unmodified").Add(float64(stats.PacketsProcessed - stats.PacketsModified))
	StageDuration.WithLabelValues(stats.StageName).Observe(float64(stats.DurationMs) / 1000)
}

// ObserveRun records the outcome of one orchestrator run.
func ObserveRun(result *model.ProcessResult) {
	if result.Success {
		Runs.WithLabelValues("success").Inc()
		return
	}
	kind := model.KindUnknown
	if result.Error != nil {
		kind = result.Error.Kind
	}
	Runs.WithLabelValues(kind.String()).Inc()
}
