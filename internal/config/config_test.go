package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  stages: [mask]
mask:
  marker:
    analyzer: native
    timeout:
      min: 5s
  masker:
    unmatched_streams: preserve
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"mask"}, cfg.Pipeline.Stages)
	assert.Equal(t, "native", cfg.Mask.Marker.Analyzer)
	assert.Equal(t, "preserve", cfg.Mask.Masker.UnmatchedStreams)
	// Untouched values keep their defaults.
	assert.Equal(t, "tls", cfg.Mask.Protocol)
	assert.True(t, cfg.Mask.Masker.RecomputeChecksums)
	assert.Equal(t, 5, cfg.Mask.Marker.Preserve.ApplicationDataHeader)

	min, perMB, max, err := cfg.Mask.Marker.Timeout.Durations()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, min)
	assert.Equal(t, 2*time.Second, perMB)
	assert.Equal(t, 10*time.Minute, max)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[pipeline]
stages = ["dedup", "mask"]

[dedup]
scope = "batch"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"dedup", "mask"}, cfg.Pipeline.Stages)
	assert.Equal(t, "batch", cfg.Dedup.Scope)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown stage":     func(c *Config) { c.Pipeline.Stages = []string{"compress"} },
		"protocol":          func(c *Config) { c.Mask.Protocol = "http" },
		"analyzer":          func(c *Config) { c.Mask.Marker.Analyzer = "wireshark" },
		"unmatched policy":  func(c *Config) { c.Mask.Masker.UnmatchedStreams = "maybe" },
		"header length":     func(c *Config) { c.Mask.Marker.Preserve.ApplicationDataHeader = 9 },
		"timeout order":     func(c *Config) { c.Mask.Marker.Timeout.Max = "1s" },
		"timeout syntax":    func(c *Config) { c.Mask.Marker.Timeout.PerMB = "fast" },
		"output format":     func(c *Config) { c.Pipeline.OutputFormat = "erf" },
		"dedup scope":       func(c *Config) { c.Dedup.Scope = "forever" },
		"watch settle time": func(c *Config) { c.Watch.SettleDelay = "soon" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoadConfig_ShippedFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	want := Default()
	want.Report.JSON = JSONReportConfig{Enabled: true, RootPath: "./reports"}
	want.SMTP.Port = 587
	assert.Equal(t, want, cfg)
}
