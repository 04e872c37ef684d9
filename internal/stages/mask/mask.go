// Package mask is the TLS masking stage: the marker finds record
// boundaries, the masker zeroes everything they do not keep.
package mask

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/factory"
	"PcapSanitizer/internal/masking/marker"
	"PcapSanitizer/internal/masking/masker"
	"PcapSanitizer/internal/masking/rules"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/monitor"
	"PcapSanitizer/internal/pkg/logging"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Extra metric names contributed by the marker.
const (
	MetricRecordsSeen   = "records_seen"
	MetricRulesEmitted  = "rules_emitted"
	MetricRuleConflicts = "rule_conflicts"
	MetricAnalyzer      = "analyzer"
)

// --- Factory Registration ---

func init() {
	factory.RegisterStage(model.StageMask, func(logger *zap.Logger) model.Stage {
		return New(logger)
	})
}

// Stage marks and masks one capture per Process call.
type Stage struct {
	logger   *zap.Logger
	analyzer marker.Analyzer

	marker  *marker.Marker
	masker  *masker.Masker
	dumpDir string

	initialized bool
}

// New returns a mask stage whose analyzer is chosen by configuration.
func New(logger *zap.Logger) *Stage {
	return NewWithAnalyzer(nil, logger)
}

// NewWithAnalyzer returns a mask stage that uses a instead of the
// configured analyzer.
func NewWithAnalyzer(a marker.Analyzer, logger *zap.Logger) *Stage {
	return &Stage{
		logger:   logging.Must(logger).With(zap.String("stage", model.StageMask)),
		analyzer: a,
	}
}

func (s *Stage) Name() string { return model.StageMask }

func (s *Stage) Initialize(cfg *config.Config) error {
	if s.initialized {
		return model.Errorf(model.KindConfiguration, model.StageMask, "already initialized")
	}
	if err := cfg.Mask.Validate(); err != nil {
		return model.NewError(model.KindConfiguration, model.StageMask, err)
	}

	mk, err := marker.New(cfg.Mask.Marker, s.analyzer, s.logger)
	if err != nil {
		return model.WithStage(model.StageMask, err)
	}
	ms, err := masker.New(cfg.Mask.Masker, cfg.Pipeline.OutputFormat, monitor.New(cfg.Monitor, s.logger), s.logger)
	if err != nil {
		return err
	}
	if dir := cfg.Mask.Masker.DumpRulesDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return model.NewError(model.KindConfiguration, model.StageMask, errors.Wrap(err, "create dump_rules_dir"))
		}
	}

	s.marker = mk
	s.masker = ms
	s.dumpDir = cfg.Mask.Masker.DumpRulesDir
	s.initialized = true
	s.logger.Debug("Mask stage initialized", zap.String("analyzer", mk.Analyzer().Name()))
	return nil
}

func (s *Stage) Process(ctx context.Context, inputPath, outputPath string) (*model.StageStats, error) {
	if !s.initialized {
		return nil, model.Errorf(model.KindConfiguration, model.StageMask, "process called before initialize")
	}
	start := time.Now()

	res, err := s.marker.Mark(ctx, inputPath)
	if err != nil {
		return nil, model.WithStage(model.StageMask, err)
	}
	if s.dumpDir != "" {
		s.dump(inputPath, res.Rules)
	}

	stats, err := s.masker.Apply(ctx, res.Rules, inputPath, outputPath)
	if err != nil {
		return nil, model.WithStage(model.StageMask, err)
	}

	stats.ExtraMetrics.Set(MetricRecordsSeen, int64(res.RecordsSeen))
	stats.ExtraMetrics.Set(MetricRulesEmitted, int64(res.Rules.Len()))
	stats.ExtraMetrics.Set(MetricRuleConflicts, int64(res.Rules.Conflicts()))
	stats.ExtraMetrics.Set(MetricAnalyzer, s.marker.Analyzer().Name())
	return stats.Finish(start), nil
}

// dump writes the rule set next to the other dumps. Failures are logged
// only; the dump is a debugging aid.
func (s *Stage) dump(inputPath string, set *rules.KeepRuleSet) {
	name := filepath.Base(inputPath) + "." + uuid.NewString() + ".rules.json"
	path := filepath.Join(s.dumpDir, name)
	f, err := os.Create(path)
	if err != nil {
		s.logger.Warn("Failed to create rule dump", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	if err := set.WriteJSON(f); err != nil {
		s.logger.Warn("Failed to write rule dump", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Debug("Dumped keep rules", zap.String("path", path))
}

// Cleanup releases the marker and masker.
func (s *Stage) Cleanup() {
	s.marker = nil
	s.masker = nil
	s.initialized = false
}
