// Package report persists per-file sanitizing results.
package report

import (
	"context"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/pkg/logging"

	"go.uber.org/zap"
)

// Open builds every sink enabled in cfg. On error the sinks opened so far
// are closed.
func Open(ctx context.Context, cfg config.ReportConfig, logger *zap.Logger) ([]model.ResultWriter, error) {
	logger = logging.Must(logger)
	var writers []model.ResultWriter
	fail := func(err error) ([]model.ResultWriter, error) {
		CloseAll(writers, logger)
		return nil, err
	}

	if cfg.JSON.Enabled {
		writers = append(writers, NewJSONWriter(cfg.JSON.RootPath))
	}
	if cfg.NATS.Enabled {
		p, err := NewNATSPublisher(cfg.NATS, logger)
		if err != nil {
			return fail(err)
		}
		writers = append(writers, p)
	}
	if cfg.ClickHouse.Enabled {
		w, err := NewClickHouseWriter(ctx, cfg.ClickHouse, logger)
		if err != nil {
			return fail(err)
		}
		writers = append(writers, w)
	}
	return writers, nil
}

// CloseAll closes every writer, logging failures.
func CloseAll(writers []model.ResultWriter, logger *zap.Logger) {
	for _, w := range writers {
		if err := w.Close(); err != nil {
			logging.Must(logger).Warn("Failed to close result sink", zap.String("sink", w.Name()), zap.Error(err))
		}
	}
}
