// Package batch sanitizes many captures with one pipeline and fans the
// results out to the report sinks.
package batch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/notification"
	"PcapSanitizer/internal/pkg/logging"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Pipeline runs the stages over one file. *manager.Manager implements it.
type Pipeline interface {
	Run(ctx context.Context, inputPath, outputPath string, stages []string, progress model.ProgressFunc) *model.ProcessResult
}

// Options configures a Runner.
type Options struct {
	Stages     []string
	Extensions []string // accepted when expanding directories
	// OutputExt replaces the input extension of output names when set.
	OutputExt string
	Writers   []model.ResultWriter
	Notifier  model.Notifier
	Progress  model.ProgressFunc
	Logger    *zap.Logger
}

// Runner processes files one after the other. A failed file never stops
// the batch.
type Runner struct {
	pipeline Pipeline
	opts     Options
	exts     map[string]bool
	runID    string
	logger   *zap.Logger
}

// NewRunner returns a Runner. Every Runner gets its own run id.
func NewRunner(p Pipeline, opts Options) *Runner {
	r := &Runner{
		pipeline: p,
		opts:     opts,
		exts:     make(map[string]bool),
		runID:    uuid.NewString(),
		logger:   logging.Must(opts.Logger),
	}
	for _, ext := range opts.Extensions {
		r.exts[strings.ToLower(ext)] = true
	}
	r.logger = r.logger.With(zap.String("run_id", r.runID))
	return r
}

// RunID identifies the reports of this runner.
func (r *Runner) RunID() string { return r.runID }

// RunFiles sanitizes every input into outDir. Directories are expanded to
// the captures they contain (not recursively). It returns an error only
// when the batch could not run at all or ctx ended; per-file failures are
// in the reports.
func (r *Runner) RunFiles(ctx context.Context, inputs []string, outDir string) ([]*model.FileReport, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}
	files, err := r.expand(inputs)
	if err != nil {
		return nil, err
	}

	reports := make([]*model.FileReport, 0, len(files))
	for _, in := range files {
		if err := ctx.Err(); err != nil {
			r.notify(reports)
			return reports, err
		}
		reports = append(reports, r.Sanitize(ctx, in, OutputPath(outDir, in, r.opts.OutputExt)))
	}
	r.notify(reports)

	failed := 0
	for _, rep := range reports {
		if !rep.Result.Success {
			failed++
		}
	}
	r.logger.Info("Batch finished", zap.Int("files", len(reports)), zap.Int("failed", failed))
	return reports, nil
}

// Sanitize runs one file with the configured stages and hands the report
// to every sink. Sink failures are logged only.
func (r *Runner) Sanitize(ctx context.Context, in, out string) *model.FileReport {
	return r.SanitizeStages(ctx, in, out, r.opts.Stages)
}

// SanitizeStages is Sanitize with an explicit stage list.
func (r *Runner) SanitizeStages(ctx context.Context, in, out string, stages []string) *model.FileReport {
	report := &model.FileReport{RunID: r.runID, StartedAt: time.Now().UTC()}
	report.Result = r.pipeline.Run(ctx, in, out, stages, r.opts.Progress)
	for _, w := range r.opts.Writers {
		if err := w.Write(ctx, report); err != nil {
			r.logger.Warn("Failed to write report", zap.String("sink", w.Name()), zap.String("file", in), zap.Error(err))
		}
	}
	return report
}

func (r *Runner) notify(reports []*model.FileReport) {
	if r.opts.Notifier == nil {
		return
	}
	subject, body, failed := notification.FailureSummary(reports)
	if !failed {
		return
	}
	if err := r.opts.Notifier.Send(subject, body); err != nil {
		r.logger.Warn("Failed to send failure notification", zap.Error(err))
	}
}

// expand replaces directories by the captures inside them, sorted by name.
// Files named explicitly are kept as they are so the pipeline can reject
// them with a proper error.
func (r *Runner) expand(inputs []string) ([]string, error) {
	var files []string
	for _, in := range inputs {
		fi, err := os.Stat(in)
		if err != nil || !fi.IsDir() {
			files = append(files, in)
			continue
		}
		entries, err := os.ReadDir(in)
		if err != nil {
			return nil, errors.Wrapf(err, "read input directory %s", in)
		}
		var found []string
		for _, e := range entries {
			if e.Type().IsRegular() && r.accepts(e.Name()) && !isOutput(e.Name()) {
				found = append(found, filepath.Join(in, e.Name()))
			}
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

func (r *Runner) accepts(name string) bool {
	return r.exts[strings.ToLower(filepath.Ext(name))]
}

// OutputPath names the sanitized copy of input inside outDir.
func OutputPath(outDir, input, ext string) string {
	base := filepath.Base(input)
	inExt := filepath.Ext(base)
	if ext == "" {
		ext = inExt
	}
	return filepath.Join(outDir, strings.TrimSuffix(base, inExt)+".sanitized"+ext)
}
