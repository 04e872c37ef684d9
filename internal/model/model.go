package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Metric is one named value in a StageStats extras list.
type Metric struct {
	Name  string
	Value interface{}
}

// Metrics is an ordered name→value list. Order of first insertion is kept.
type Metrics []Metric

// Set replaces the value of name, or appends it.
func (m *Metrics) Set(name string, value interface{}) {
	for i := range *m {
		if (*m)[i].Name == name {
			(*m)[i].Value = value
			return
		}
	}
	*m = append(*m, Metric{Name: name, Value: value})
}

// Get returns the value of name.
func (m Metrics) Get(name string) (interface{}, bool) {
	for _, metric := range m {
		if metric.Name == name {
			return metric.Value, true
		}
	}
	return nil, false
}

// Int returns the value of name as an int64, or 0.
func (m Metrics) Int(name string) int64 {
	v, _ := m.Get(name)
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// MarshalJSON writes the metrics as a JSON object in insertion order.
func (m Metrics) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, metric := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(metric.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(metric.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object back in key order. Integral numbers decode
// as int64, other numbers as float64.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.Errorf("metrics must be a JSON object, got %v", tok)
	}
	var out Metrics
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return errors.Wrapf(err, "metric %q", name)
		}
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = i
			} else if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		out = append(out, Metric{Name: name, Value: v})
	}
	*m = out
	return nil
}

// StageStats is what a stage reports after processing one file.
type StageStats struct {
	StageName        string  `json:"stage_name"`
	PacketsProcessed int64   `json:"packets_processed"`
	PacketsModified  int64   `json:"packets_modified"`
	DurationMs       int64   `json:"duration_ms"`
	ExtraMetrics     Metrics `json:"extra_metrics"`
}

// NewStageStats returns empty stats for stage.
func NewStageStats(stage string) *StageStats {
	return &StageStats{StageName: stage}
}

// Finish records the elapsed time since start.
func (s *StageStats) Finish(start time.Time) *StageStats {
	s.DurationMs = time.Since(start).Milliseconds()
	return s
}

// ProcessResult is the outcome of one orchestrator run over one file.
type ProcessResult struct {
	Success       bool          `json:"success"`
	InputPath     string        `json:"input_path"`
	OutputPath    string        `json:"output_path,omitempty"`
	PerStageStats []*StageStats `json:"per_stage_stats"`
	Error         *ErrorInfo    `json:"error,omitempty"`
	DurationMs    int64         `json:"duration_ms"`
}

// Stats returns the stats of the named stage.
func (r *ProcessResult) Stats(stage string) *StageStats {
	for _, s := range r.PerStageStats {
		if s.StageName == stage {
			return s
		}
	}
	return nil
}

// FileReport wraps a ProcessResult with the batch bookkeeping that result
// sinks persist.
type FileReport struct {
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	Result    *ProcessResult `json:"result"`
}
