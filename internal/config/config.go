package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// PipelineConfig controls the orchestrator.
type PipelineConfig struct {
	Stages            []string `yaml:"stages" toml:"stages"`
	ScratchDir        string   `yaml:"scratch_dir" toml:"scratch_dir"`
	ReuseStages       bool     `yaml:"reuse_stages" toml:"reuse_stages"`
	OutputFormat      string   `yaml:"output_format" toml:"output_format"`
	AllowedExtensions []string `yaml:"allowed_extensions" toml:"allowed_extensions"`
}

// DedupConfig controls the dedup stage.
type DedupConfig struct {
	// Scope is "file" (forget hashes between files) or "batch".
	Scope string `yaml:"scope" toml:"scope"`
}

// AnonymizeConfig controls the anonymize stage.
type AnonymizeConfig struct {
	Key             string `yaml:"key" toml:"key"`
	Passphrase      string `yaml:"passphrase" toml:"passphrase"`
	PreservePrivate bool   `yaml:"preserve_private" toml:"preserve_private"`
}

// TimeoutConfig scales the analyzer timeout with input size.
type TimeoutConfig struct {
	Min   string `yaml:"min" toml:"min"`
	PerMB string `yaml:"per_mb" toml:"per_mb"`
	Max   string `yaml:"max" toml:"max"`
}

// PreserveConfig selects which TLS record types survive masking.
type PreserveConfig struct {
	Handshake             bool `yaml:"handshake" toml:"handshake"`
	Alert                 bool `yaml:"alert" toml:"alert"`
	ChangeCipherSpec      bool `yaml:"change_cipher_spec" toml:"change_cipher_spec"`
	Heartbeat             bool `yaml:"heartbeat" toml:"heartbeat"`
	ApplicationDataHeader int  `yaml:"application_data_header" toml:"application_data_header"`
}

// MarkerConfig controls the protocol marker.
type MarkerConfig struct {
	Analyzer   string         `yaml:"analyzer" toml:"analyzer"`
	TsharkPath string         `yaml:"tshark_path" toml:"tshark_path"`
	MinVersion string         `yaml:"min_version" toml:"min_version"`
	Timeout    TimeoutConfig  `yaml:"timeout" toml:"timeout"`
	Preserve   PreserveConfig `yaml:"preserve" toml:"preserve"`
}

// MaskerConfig controls the sequence-aware masker.
type MaskerConfig struct {
	// UnmatchedStreams is "mask" (fail-closed) or "preserve".
	UnmatchedStreams   string `yaml:"unmatched_streams" toml:"unmatched_streams"`
	RecomputeChecksums bool   `yaml:"recompute_checksums" toml:"recompute_checksums"`
	DumpRulesDir       string `yaml:"dump_rules_dir" toml:"dump_rules_dir"`
}

// MaskConfig controls the mask stage.
type MaskConfig struct {
	Protocol string       `yaml:"protocol" toml:"protocol"`
	Mode     string       `yaml:"mode" toml:"mode"`
	Marker   MarkerConfig `yaml:"marker" toml:"marker"`
	Masker   MaskerConfig `yaml:"masker" toml:"masker"`
}

// MonitorConfig sets resource pressure thresholds. Zero disables a check.
type MonitorConfig struct {
	MaxHeapMB         uint64 `yaml:"max_heap_mb" toml:"max_heap_mb"`
	MinFreeDiskMB     uint64 `yaml:"min_free_disk_mb" toml:"min_free_disk_mb"`
	CheckEveryPackets int    `yaml:"check_every_packets" toml:"check_every_packets"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

// JSONReportConfig writes one summary file per input.
type JSONReportConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	RootPath string `yaml:"root_path" toml:"root_path"`
}

// NATSConfig publishes reports to a NATS subject.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	URL     string `yaml:"url" toml:"url"`
	Subject string `yaml:"subject" toml:"subject"`
}

// ClickHouseConfig stores per-stage stats in ClickHouse.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Database string `yaml:"database" toml:"database"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// ReportConfig groups the result sinks.
type ReportConfig struct {
	JSON       JSONReportConfig `yaml:"json" toml:"json"`
	NATS       NATSConfig       `yaml:"nats" toml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse" toml:"clickhouse"`
}

// SMTPConfig holds the settings for failure e-mails.
type SMTPConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	From     string `yaml:"from" toml:"from"`
	To       string `yaml:"to" toml:"to"`
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
}

// WatchConfig controls directory watching.
type WatchConfig struct {
	SettleDelay string `yaml:"settle_delay" toml:"settle_delay"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline" toml:"pipeline"`
	Dedup     DedupConfig     `yaml:"dedup" toml:"dedup"`
	Anonymize AnonymizeConfig `yaml:"anonymize" toml:"anonymize"`
	Mask      MaskConfig      `yaml:"mask" toml:"mask"`
	Monitor   MonitorConfig   `yaml:"monitor" toml:"monitor"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Report    ReportConfig    `yaml:"report" toml:"report"`
	SMTP      SMTPConfig      `yaml:"smtp" toml:"smtp"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Watch     WatchConfig     `yaml:"watch" toml:"watch"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Stages:            []string{"dedup", "anonymize", "mask"},
			ReuseStages:       true,
			OutputFormat:      "auto",
			AllowedExtensions: []string{".pcap", ".pcapng", ".cap"},
		},
		Dedup: DedupConfig{Scope: "file"},
		Mask: MaskConfig{
			Protocol: "tls",
			Mode:     "enhanced",
			Marker: MarkerConfig{
				Analyzer:   "tshark",
				TsharkPath: "tshark",
				MinVersion: "3.0.0",
				Timeout:    TimeoutConfig{Min: "30s", PerMB: "2s", Max: "10m"},
				Preserve: PreserveConfig{
					Handshake:             true,
					Alert:                 true,
					ChangeCipherSpec:      true,
					Heartbeat:             true,
					ApplicationDataHeader: 5,
				},
			},
			Masker: MaskerConfig{
				UnmatchedStreams:   "mask",
				RecomputeChecksums: true,
			},
		},
		Monitor: MonitorConfig{
			MinFreeDiskMB:     64,
			CheckEveryPackets: 10000,
		},
		Logging: LoggingConfig{Level: "info"},
		Report: ReportConfig{
			NATS: NATSConfig{URL: "nats://127.0.0.1:4222", Subject: "pcapsan.reports"},
			ClickHouse: ClickHouseConfig{
				Host:     "127.0.0.1",
				Port:     9000,
				Database: "default",
				Username: "default",
			},
		},
		API:   APIConfig{ListenAddr: ":8080"},
		Watch: WatchConfig{SettleDelay: "2s"},
	}
}

// LoadConfig reads a YAML or TOML file on top of Default and validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that can be checked without touching the system.
func (c *Config) Validate() error {
	known := map[string]bool{"dedup": true, "anonymize": true, "mask": true}
	for _, s := range c.Pipeline.Stages {
		if !known[s] {
			return fmt.Errorf("unknown stage %q in pipeline.stages", s)
		}
	}
	switch c.Pipeline.OutputFormat {
	case "", "auto", "pcap", "pcapng":
	default:
		return fmt.Errorf("invalid pipeline.output_format %q", c.Pipeline.OutputFormat)
	}
	switch c.Dedup.Scope {
	case "", "file", "batch":
	default:
		return fmt.Errorf("invalid dedup.scope %q", c.Dedup.Scope)
	}
	if _, _, _, err := c.Mask.Marker.Timeout.Durations(); err != nil {
		return err
	}
	if _, err := c.Watch.SettleDuration(); err != nil {
		return err
	}
	return c.Mask.Validate()
}

// Validate checks the mask stage settings.
func (m *MaskConfig) Validate() error {
	if m.Protocol != "tls" {
		return fmt.Errorf("unsupported mask.protocol %q", m.Protocol)
	}
	if m.Mode != "enhanced" {
		return fmt.Errorf("unsupported mask.mode %q", m.Mode)
	}
	switch m.Marker.Analyzer {
	case "tshark", "native":
	default:
		return fmt.Errorf("unknown mask.marker.analyzer %q", m.Marker.Analyzer)
	}
	if h := m.Marker.Preserve.ApplicationDataHeader; h < 0 || h > 5 {
		return fmt.Errorf("mask.marker.preserve.application_data_header must be within [0,5], got %d", h)
	}
	switch m.Masker.UnmatchedStreams {
	case "mask", "preserve":
	default:
		return fmt.Errorf("invalid mask.masker.unmatched_streams %q", m.Masker.UnmatchedStreams)
	}
	if _, _, _, err := m.Marker.Timeout.Durations(); err != nil {
		return err
	}
	return nil
}

// Durations parses the timeout settings.
func (t TimeoutConfig) Durations() (min, perMB, max time.Duration, err error) {
	if min, err = time.ParseDuration(t.Min); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid timeout min: %w", err)
	}
	if perMB, err = time.ParseDuration(t.PerMB); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid timeout per_mb: %w", err)
	}
	if max, err = time.ParseDuration(t.Max); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid timeout max: %w", err)
	}
	if min <= 0 || max < min || perMB < 0 {
		return 0, 0, 0, fmt.Errorf("timeout bounds must satisfy 0 < min <= max and per_mb >= 0")
	}
	return min, perMB, max, nil
}

// SettleDuration parses the watch settle delay.
func (w WatchConfig) SettleDuration() (time.Duration, error) {
	if w.SettleDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(w.SettleDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid watch.settle_delay: %w", err)
	}
	return d, nil
}
