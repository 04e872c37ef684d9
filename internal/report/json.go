package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"PcapSanitizer/internal/model"

	"github.com/pkg/errors"
)

// SummaryData is the file written next to each run's reports.
type SummaryData struct {
	RunID      string `json:"run_id"`
	InputPath  string `json:"input_path"`
	Success    bool   `json:"success"`
	Stages     int    `json:"stages"`
	Packets    int64  `json:"packets"`
	Modified   int64  `json:"modified"`
	DurationMs int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// JSONWriter writes each report as indented JSON under
// <root>/<timestamp>/<input>.json, with a one-line summary beside it.
type JSONWriter struct {
	rootPath string
}

// NewJSONWriter creates a writer rooted at rootPath.
func NewJSONWriter(rootPath string) *JSONWriter {
	return &JSONWriter{rootPath: rootPath}
}

func (w *JSONWriter) Name() string { return "json" }

// Write stores one report.
func (w *JSONWriter) Write(_ context.Context, report *model.FileReport) error {
	timestamp := report.StartedAt.Format("2006-01-02_15-04-05")
	dir := filepath.Join(w.rootPath, timestamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create report directory")
	}

	base := filepath.Base(report.Result.InputPath)
	if err := writeJSON(filepath.Join(dir, base+".json"), report); err != nil {
		return err
	}

	summary := SummaryData{
		RunID:      report.RunID,
		InputPath:  report.Result.InputPath,
		Success:    report.Result.Success,
		Stages:     len(report.Result.PerStageStats),
		DurationMs: report.Result.DurationMs,
		Timestamp:  timestamp,
	}
	if n := len(report.Result.PerStageStats); n > 0 {
		summary.Packets = report.Result.PerStageStats[0].PacketsProcessed
		for _, s := range report.Result.PerStageStats {
			summary.Modified += s.PacketsModified
		}
	}
	return writeJSON(filepath.Join(dir, base+".summary.json"), summary)
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file '%s': %w", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode report to '%s': %w", path, err)
	}
	return nil
}

func (w *JSONWriter) Close() error { return nil }
