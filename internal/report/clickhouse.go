package report

import (
	"context"
	"fmt"
	"time"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/pkg/logging"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS sanitize_stage_stats (
    Timestamp        DateTime,
    RunID            String,
    InputPath        String,
    Success          UInt8,
    ErrorKind        Nullable(String),
    Stage            String,
    PacketsProcessed Int64,
    PacketsModified  Int64,
    DurationMs       Int64,
    Extras           String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Stage, Timestamp);
`

// ClickHouseWriter inserts one row per stage of every report.
type ClickHouseWriter struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseWriter connects and makes sure the table exists.
func NewClickHouseWriter(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseWriter, error) {
	logger = logging.Must(logger)
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.Info("Connected to ClickHouse and ensured table exists", zap.String("host", cfg.Host))
	return &ClickHouseWriter{conn: conn, logger: logger}, nil
}

func connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// stageRow is one row of sanitize_stage_stats.
type stageRow struct {
	Timestamp        time.Time
	RunID            string
	InputPath        string
	Success          uint8
	ErrorKind        *string
	Stage            string
	PacketsProcessed int64
	PacketsModified  int64
	DurationMs       int64
	Extras           string
}

// rows flattens a report. A run that failed before any stage finished
// still yields one row, with an empty stage name.
func rows(report *model.FileReport) []stageRow {
	res := report.Result
	base := stageRow{
		Timestamp: report.StartedAt,
		RunID:     report.RunID,
		InputPath: res.InputPath,
	}
	if res.Success {
		base.Success = 1
	}
	if res.Error != nil {
		kind := res.Error.Kind.String()
		base.ErrorKind = &kind
	}
	if len(res.PerStageStats) == 0 {
		base.Extras = "{}"
		return []stageRow{base}
	}

	out := make([]stageRow, 0, len(res.PerStageStats))
	for _, s := range res.PerStageStats {
		row := base
		row.Stage = s.StageName
		row.PacketsProcessed = s.PacketsProcessed
		row.PacketsModified = s.PacketsModified
		row.DurationMs = s.DurationMs
		extras, err := s.ExtraMetrics.MarshalJSON()
		if err != nil {
			extras = []byte("{}")
		}
		row.Extras = string(extras)
		out = append(out, row)
	}
	return out
}

// Write inserts the stage rows of one report.
func (w *ClickHouseWriter) Write(ctx context.Context, report *model.FileReport) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO sanitize_stage_stats")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	rs := rows(report)
	for _, r := range rs {
		if err := batch.Append(
			r.Timestamp,
			r.RunID,
			r.InputPath,
			r.Success,
			r.ErrorKind,
			r.Stage,
			r.PacketsProcessed,
			r.PacketsModified,
			r.DurationMs,
			r.Extras,
		); err != nil {
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.logger.Debug("Wrote stage stats to ClickHouse", zap.Int("rows", len(rs)), zap.String("run_id", report.RunID))
	return nil
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
