package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport(success bool) *model.FileReport {
	dedup := model.NewStageStats(model.StageDedup)
	dedup.PacketsProcessed, dedup.PacketsModified = 10, 2
	dedup.ExtraMetrics.Set("duplicates_removed", int64(2))
	mask := model.NewStageStats(model.StageMask)
	mask.PacketsProcessed, mask.PacketsModified = 8, 3
	mask.ExtraMetrics.Set("bytes_zeroed", int64(120))
	mask.ExtraMetrics.Set("analyzer", "native")

	res := &model.ProcessResult{
		Success:       success,
		InputPath:     "/captures/session.pcap",
		PerStageStats: []*model.StageStats{dedup, mask},
		DurationMs:    42,
	}
	if !success {
		res.PerStageStats = nil
		res.Error = model.NewErrorInfo(model.Errorf(model.KindTimeout, model.StageMask, "too slow"))
	}
	return &model.FileReport{
		RunID:     "run-1",
		StartedAt: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		Result:    res,
	}
}

func TestJSONWriter(t *testing.T) {
	root := t.TempDir()
	w := NewJSONWriter(root)
	require.NoError(t, w.Write(context.Background(), sampleReport(true)))
	require.NoError(t, w.Close())

	dir := filepath.Join(root, "2024-03-01_12-30-00")
	data, err := os.ReadFile(filepath.Join(dir, "session.pcap.json"))
	require.NoError(t, err)
	var back model.FileReport
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "run-1", back.RunID)
	assert.Contains(t, string(data), `"bytes_zeroed": 120`)

	data, err = os.ReadFile(filepath.Join(dir, "session.pcap.summary.json"))
	require.NoError(t, err)
	var summary SummaryData
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.EqualValues(t, 10, summary.Packets)
	assert.EqualValues(t, 5, summary.Modified)
	assert.Equal(t, 2, summary.Stages)
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(sampleReport(false))
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "run-1", msg.Fields["run_id"].GetStringValue())
	result := msg.Fields["result"].GetStructValue()
	require.NotNil(t, result)
	assert.False(t, result.Fields["success"].GetBoolValue())
	errInfo := result.Fields["error"].GetStructValue()
	assert.Equal(t, "TimeoutError", errInfo.Fields["kind"].GetStringValue())
	assert.Equal(t, "mask", errInfo.Fields["stage"].GetStringValue())
}

func TestRows(t *testing.T) {
	rs := rows(sampleReport(true))
	require.Len(t, rs, 2)
	assert.Equal(t, "dedup", rs[0].Stage)
	assert.EqualValues(t, 1, rs[0].Success)
	assert.Nil(t, rs[0].ErrorKind)
	assert.JSONEq(t, `{"bytes_zeroed":120,"analyzer":"native"}`, rs[1].Extras)

	rs = rows(sampleReport(false))
	require.Len(t, rs, 1)
	assert.Empty(t, rs[0].Stage)
	require.NotNil(t, rs[0].ErrorKind)
	assert.Equal(t, "TimeoutError", *rs[0].ErrorKind)
}

func TestOpen(t *testing.T) {
	cfg := config.Default().Report
	writers, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Empty(t, writers)

	cfg.JSON = config.JSONReportConfig{Enabled: true, RootPath: t.TempDir()}
	writers, err = Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, writers, 1)
	assert.Equal(t, "json", writers[0].Name())

	cfg.NATS = config.NATSConfig{Enabled: true, URL: "nats://127.0.0.1:1", Subject: "x"}
	_, err = Open(context.Background(), cfg, nil)
	assert.Error(t, err, "unreachable nats server")
}
