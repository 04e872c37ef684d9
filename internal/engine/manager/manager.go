// Package manager runs the sanitizing stages over one capture at a time.
package manager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"PcapSanitizer/internal/arena"
	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/factory"
	"PcapSanitizer/internal/metrics"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/monitor"
	"PcapSanitizer/internal/pkg/logging"
	_ "PcapSanitizer/internal/stages/anonymize" // Registers the anonymize stage
	_ "PcapSanitizer/internal/stages/dedup"     // Registers the dedup stage
	_ "PcapSanitizer/internal/stages/mask"      // Registers the mask stage
	"PcapSanitizer/pkg/pcap"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StageCreator builds an uninitialized stage by name.
type StageCreator func(name string, logger *zap.Logger) (model.Stage, error)

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.Must(logger) }
}

// WithArena sets the arena scratch directories come from. The default is
// arena.Default().
func WithArena(a *arena.Arena) Option {
	return func(m *Manager) { m.arena = a }
}

// WithStageCreator replaces the stage registry lookup.
func WithStageCreator(create StageCreator) Option {
	return func(m *Manager) { m.create = create }
}

// Manager orchestrates the stages of one pipeline. With reuse enabled it
// keeps one initialized instance per stage across Run calls; Run must then
// not be called concurrently.
type Manager struct {
	cfg     *config.Config
	logger  *zap.Logger
	arena   *arena.Arena
	monitor *monitor.Monitor
	create  StageCreator

	reuse      bool
	allowedExt map[string]bool
	scratchExt string
	instances  map[string]model.Stage
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, model.NewError(model.KindConfiguration, "", err)
	}
	format, override, err := pcap.ParseFormat(cfg.Pipeline.OutputFormat)
	if err != nil {
		return nil, model.NewError(model.KindConfiguration, "", err)
	}

	m := &Manager{
		cfg:        cfg,
		logger:     zap.NewNop(),
		create:     factory.Create,
		reuse:      cfg.Pipeline.ReuseStages,
		allowedExt: make(map[string]bool),
		instances:  make(map[string]model.Stage),
	}
	if override {
		m.scratchExt = format.Extension()
	}
	for _, ext := range cfg.Pipeline.AllowedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		m.allowedExt[ext] = true
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.arena == nil {
		if cfg.Pipeline.ScratchDir != "" {
			m.arena = arena.New(cfg.Pipeline.ScratchDir, m.logger)
		} else {
			m.arena = arena.Default()
		}
	}
	m.monitor = monitor.New(cfg.Monitor, m.logger)
	return m, nil
}

// Run sanitizes inputPath into outputPath with the enabled stages, in the
// fixed pipeline order. It never panics and never returns nil; failures are
// reported in the result and leave outputPath untouched.
func (m *Manager) Run(ctx context.Context, inputPath, outputPath string, stages []string, progress model.ProgressFunc) *model.ProcessResult {
	start := time.Now()
	result := &model.ProcessResult{InputPath: inputPath}
	logger := m.logger.With(zap.String("file", inputPath))

	err := m.run(ctx, logger, result, inputPath, outputPath, stages, progress)

	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Success = false
		result.Error = model.NewErrorInfo(err)
		logger.Error("Sanitizing failed",
			zap.Stringer("kind", model.KindOf(err)),
			zap.Error(err))
	} else {
		result.Success = true
		result.OutputPath = outputPath
		logger.Info("Sanitized capture",
			zap.String("output", outputPath),
			zap.Int("stages", len(result.PerStageStats)),
			zap.Int64("duration_ms", result.DurationMs))
	}
	metrics.ObserveRun(result)
	metrics.ArenaEntries.Set(float64(m.arena.Len()))
	return result
}

func (m *Manager) run(ctx context.Context, logger *zap.Logger, result *model.ProcessResult, inputPath, outputPath string, stages []string, progress model.ProgressFunc) (err error) {
	order, err := resolveStages(stages)
	if err != nil {
		return err
	}
	ext, err := m.validateInput(inputPath)
	if err != nil {
		return err
	}
	if m.scratchExt != "" {
		ext = m.scratchExt
	}
	if sameFile(inputPath, outputPath) {
		return model.Errorf(model.KindConfiguration, "", "output path %q is the input", outputPath)
	}

	scratch, err := m.arena.AcquireDir("pcapsan")
	if err != nil {
		return model.NewError(model.KindResource, "", err)
	}
	defer func() {
		if rerr := scratch.Release(); rerr != nil {
			logger.Warn("Failed to release scratch directory", zap.Error(rerr))
		}
	}()

	current := ""
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Stage panicked", zap.String("stage", current), zap.Any("panic", r), zap.Stack("stack"))
			err = model.Errorf(model.KindProcessing, current, "panic: %v", r)
		}
	}()

	input := inputPath
	for i, name := range order {
		current = name
		if err := ctx.Err(); err != nil {
			return model.NewError(model.KindProcessing, name, errors.Wrap(err, "cancelled"))
		}
		if err := m.monitor.Check(name, scratch.Path()); err != nil {
			return err
		}

		output := scratch.Join(fmt.Sprintf("%d-%s%s", i+1, name, ext))
		stats, err := m.process(ctx, name, input, output)
		if err != nil {
			return model.WithStage(name, err)
		}
		metrics.ObserveStage(stats)
		result.PerStageStats = append(result.PerStageStats, stats)
		logger.Debug("Stage finished",
			zap.String("stage", name),
			zap.Int64("packets", stats.PacketsProcessed),
			zap.Int64("modified", stats.PacketsModified),
			zap.Int64("duration_ms", stats.DurationMs))
		if progress != nil {
			progress(name, stats)
		}
		input = output
	}
	current = ""

	if err := publish(input, outputPath); err != nil {
		return model.NewError(model.KindResource, "", err)
	}
	return nil
}

// process runs one stage, with a reused or a throwaway instance.
func (m *Manager) process(ctx context.Context, name, input, output string) (*model.StageStats, error) {
	st, err := m.stage(name)
	if err != nil {
		return nil, err
	}
	if !m.reuse {
		defer st.Cleanup()
	}
	return st.Process(ctx, input, output)
}

func (m *Manager) stage(name string) (model.Stage, error) {
	if st, ok := m.instances[name]; ok {
		return st, nil
	}
	st, err := m.create(name, m.logger)
	if err != nil {
		return nil, err
	}
	if err := st.Initialize(m.cfg); err != nil {
		st.Cleanup()
		return nil, err
	}
	if m.reuse {
		m.instances[name] = st
	}
	return st, nil
}

// Close cleans up every reused stage instance.
func (m *Manager) Close() {
	for name, st := range m.instances {
		st.Cleanup()
		delete(m.instances, name)
	}
}

// resolveStages checks names and puts them in pipeline order.
func resolveStages(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, model.Errorf(model.KindConfiguration, "", "no stages enabled")
	}
	rank := make(map[string]int, len(model.StageOrder))
	for i, name := range model.StageOrder {
		rank[name] = i
	}
	seen := make(map[string]bool, len(names))
	var order []string
	for _, name := range names {
		if _, ok := rank[name]; !ok {
			return nil, model.Errorf(model.KindConfiguration, "", "unknown stage %q", name)
		}
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	sort.Slice(order, func(i, j int) bool { return rank[order[i]] < rank[order[j]] })
	return order, nil
}

// validateInput returns the lower-cased extension of a usable input.
func (m *Manager) validateInput(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", model.NewError(model.KindConfiguration, "", errors.Wrap(err, "input"))
	}
	if !fi.Mode().IsRegular() {
		return "", model.Errorf(model.KindConfiguration, "", "input %q is not a regular file", path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !m.allowedExt[ext] {
		return "", model.Errorf(model.KindConfiguration, "", "input %q has unsupported extension %q", path, ext)
	}
	return ext, nil
}

func sameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

// publish moves the finished scratch file to dst. When a rename is not
// possible it copies into a temporary sibling of dst first, so dst is
// either absent or complete.
func publish(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+"."+uuid.NewString()+".partial")
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "move output into place")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open stage output")
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, "copy output")
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Wrap(err, "sync output")
	}
	return errors.Wrap(out.Close(), "close output")
}
