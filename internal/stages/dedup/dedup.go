// Package dedup drops packets whose captured bytes were already seen.
package dedup

import (
	"context"
	"crypto/sha256"
	"time"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/factory"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/monitor"
	"PcapSanitizer/internal/pkg/logging"
	"PcapSanitizer/internal/stages"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// --- Factory Registration ---

func init() {
	factory.RegisterStage(model.StageDedup, func(logger *zap.Logger) model.Stage {
		return New(logger)
	})
}

// Stage removes duplicate packets. With scope "batch" the set of seen
// packets survives between Process calls on the same instance.
type Stage struct {
	logger  *zap.Logger
	monitor *monitor.Monitor
	format  stages.OutputFormat

	batchScope  bool
	seen        map[[sha256.Size]byte]struct{}
	initialized bool
}

// New returns an uninitialized dedup stage.
func New(logger *zap.Logger) *Stage {
	return &Stage{logger: logging.Must(logger).With(zap.String("stage", model.StageDedup))}
}

func (s *Stage) Name() string { return model.StageDedup }

func (s *Stage) Initialize(cfg *config.Config) error {
	if s.initialized {
		return model.Errorf(model.KindConfiguration, model.StageDedup, "already initialized")
	}
	switch cfg.Dedup.Scope {
	case "", "file":
	case "batch":
		s.batchScope = true
	default:
		return model.Errorf(model.KindConfiguration, model.StageDedup, "invalid dedup.scope %q", cfg.Dedup.Scope)
	}
	format, err := stages.ParseOutputFormat(model.StageDedup, cfg.Pipeline.OutputFormat)
	if err != nil {
		return err
	}
	s.format = format
	s.monitor = monitor.New(cfg.Monitor, s.logger)
	s.seen = make(map[[sha256.Size]byte]struct{})
	s.initialized = true
	return nil
}

func (s *Stage) Process(ctx context.Context, inputPath, outputPath string) (*model.StageStats, error) {
	if !s.initialized {
		return nil, model.Errorf(model.KindConfiguration, model.StageDedup, "process called before initialize")
	}
	start := time.Now()
	if !s.batchScope {
		s.seen = make(map[[sha256.Size]byte]struct{})
	}

	stats := model.NewStageStats(model.StageDedup)
	var unique int64
	err := stages.Rewrite(ctx, stats, inputPath, outputPath, s.format, s.monitor,
		func(_ layers.LinkType, _ gopacket.CaptureInfo, data []byte) (bool, bool) {
			sum := sha256.Sum256(data)
			if _, dup := s.seen[sum]; dup {
				return false, true
			}
			s.seen[sum] = struct{}{}
			unique++
			return true, false
		})
	if err != nil {
		return nil, err
	}

	stats.ExtraMetrics.Set("duplicates_removed", stats.PacketsModified)
	stats.ExtraMetrics.Set("unique_packets", unique)
	stats.Finish(start)
	s.logger.Info("Deduplicated capture",
		zap.String("file", inputPath),
		zap.Int64("packets", stats.PacketsProcessed),
		zap.Int64("removed", stats.PacketsModified))
	return stats, nil
}

// Cleanup forgets every seen packet.
func (s *Stage) Cleanup() {
	s.seen = nil
	s.initialized = false
}
