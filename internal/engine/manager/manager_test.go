package manager

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"PcapSanitizer/internal/arena"
	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/factory"
	"PcapSanitizer/internal/masking/marker"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/stages/mask"
	"PcapSanitizer/internal/testutil/tlscap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	clientEP = tlscap.Endpoint{IP: net.ParseIP("203.0.113.5").To4(), Port: 43000}
	serverEP = tlscap.Endpoint{IP: net.ParseIP("198.51.100.9").To4(), Port: 443}
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Mask.Marker.Analyzer = "native"
	cfg.Anonymize.Passphrase = "pipeline tests"
	return cfg
}

type fixture struct {
	dir     string
	scratch string
	arena   *arena.Arena
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	scratch := filepath.Join(dir, "scratch")
	return &fixture{dir: dir, scratch: scratch, arena: arena.New(scratch, nil)}
}

func (f *fixture) manager(t *testing.T, cfg *config.Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, append([]Option{WithArena(f.arena)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func (f *fixture) capture(t *testing.T, name string, packets [][]byte) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, tlscap.WriteFile(path, packets))
	return path
}

// assertNoLeaks checks that neither the registry nor the scratch root
// holds anything.
func (f *fixture) assertNoLeaks(t *testing.T) {
	t.Helper()
	assert.Zero(t, f.arena.Len(), "arena entries")
	entries, err := os.ReadDir(f.scratch)
	if err == nil {
		assert.Empty(t, entries, "scratch root")
	}
}

func tlsSession() [][]byte {
	conn := tlscap.NewConn(clientEP, serverEP, 1000, 5000)
	packets := conn.Handshake()
	packets = append(packets,
		conn.FromClient(tlscap.Record(tlscap.Handshake, tlscap.Body(75, 1))),
		conn.FromServer(tlscap.Record(tlscap.Handshake, tlscap.Body(90, 2))),
		conn.FromClient(tlscap.Record(tlscap.ApplicationData, tlscap.Body(45, 3))),
	)
	// A duplicate frame for the dedup stage.
	packets = append(packets, append([]byte(nil), packets[len(packets)-1]...))
	return packets
}

func TestRun_AllStages(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, testConfig())
	in := f.capture(t, "session.pcap", tlsSession())
	out := filepath.Join(f.dir, "out", "session.pcap")

	var calls []string
	res := m.Run(context.Background(), in, out, []string{"mask", "dedup", "anonymize"}, func(stage string, stats *model.StageStats) {
		calls = append(calls, stage)
		assert.Equal(t, stage, stats.StageName)
	})

	require.True(t, res.Success, "error: %+v", res.Error)
	assert.Equal(t, []string{"dedup", "anonymize", "mask"}, calls, "fixed order")
	require.Len(t, res.PerStageStats, 3)
	assert.Equal(t, out, res.OutputPath)
	assert.EqualValues(t, 1, res.Stats("dedup").PacketsModified)

	got, err := tlscap.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, got, 6)
	app := tlscap.TCPPayload(got[5])
	require.Len(t, app, 50)
	assert.Equal(t, make([]byte, 45), app[5:], "application data masked after anonymization")
	assert.True(t, tlscap.TCPChecksumValid(got[5]))
	f.assertNoLeaks(t)
}

// gatedAnalyzer stalls on inputs named slow.pcap until its deadline.
type gatedAnalyzer struct{}

func (gatedAnalyzer) Name() string                { return "gated" }
func (gatedAnalyzer) Check(context.Context) error { return nil }
func (gatedAnalyzer) Analyze(ctx context.Context, path string, _ func(marker.TLSRecord)) error {
	if filepath.Base(path) == "slow.pcap" {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestRun_AnalyzerTimeoutDoesNotPoisonBatch(t *testing.T) {
	cfg := testConfig()
	cfg.Mask.Marker.Timeout = config.TimeoutConfig{Min: "100ms", PerMB: "0s", Max: "100ms"}
	f := newFixture(t)
	m := f.manager(t, cfg, WithStageCreator(func(name string, logger *zap.Logger) (model.Stage, error) {
		if name == model.StageMask {
			return mask.NewWithAnalyzer(gatedAnalyzer{}, logger), nil
		}
		return factory.Create(name, logger)
	}))

	slow := f.capture(t, "slow.pcap", tlsSession())
	fast := f.capture(t, "fast.pcap", tlsSession())
	slowOut := filepath.Join(f.dir, "slow.out.pcap")

	res := m.Run(context.Background(), slow, slowOut, []string{"mask"}, nil)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.KindTimeout, res.Error.Kind)
	assert.Equal(t, model.StageMask, res.Error.Stage)
	assert.NoFileExists(t, slowOut)

	res = m.Run(context.Background(), fast, filepath.Join(f.dir, "fast.out.pcap"), []string{"mask"}, nil)
	assert.True(t, res.Success, "error: %+v", res.Error)
	f.assertNoLeaks(t)
}

func TestRun_TruncatedCapture(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, testConfig())
	in := f.capture(t, "cut.pcap", tlsSession())
	data, err := os.ReadFile(in)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(in, data[:len(data)-20], 0o644))
	out := filepath.Join(f.dir, "cut.out.pcap")

	for _, stages := range [][]string{{"dedup", "anonymize", "mask"}, {"mask"}} {
		res := m.Run(context.Background(), in, out, stages, nil)
		assert.False(t, res.Success, "stages %v", stages)
		require.NotNil(t, res.Error)
		assert.Equal(t, model.KindProcessing, res.Error.Kind, "stages %v: %s", stages, res.Error.Message)
		assert.NoFileExists(t, out)
		f.assertNoLeaks(t)
	}

	garbage := filepath.Join(f.dir, "junk.pcap")
	require.NoError(t, os.WriteFile(garbage, []byte("not a capture at all"), 0o644))
	res := m.Run(context.Background(), garbage, out, []string{"dedup"}, nil)
	assert.Equal(t, model.KindProcessing, res.Error.Kind)
	f.assertNoLeaks(t)
}

func TestRun_InvalidInvocation(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, testConfig())
	good := f.capture(t, "ok.pcap", tlsSession())
	txt := filepath.Join(f.dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))
	out := filepath.Join(f.dir, "out.pcap")

	cases := map[string]struct {
		input  string
		output string
		stages []string
	}{
		"missing input":  {filepath.Join(f.dir, "nope.pcap"), out, []string{"dedup"}},
		"directory":      {f.dir + "/", out, []string{"dedup"}},
		"bad extension":  {txt, out, []string{"dedup"}},
		"no stages":      {good, out, nil},
		"unknown stage":  {good, out, []string{"compress"}},
		"output = input": {good, good, []string{"dedup"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res := m.Run(context.Background(), tc.input, tc.output, tc.stages, nil)
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, model.KindConfiguration, res.Error.Kind)
			assert.Empty(t, res.PerStageStats)
		})
	}
	assert.NoFileExists(t, out)
	f.assertNoLeaks(t)
}

type panicStage struct{ cleaned int }

func (p *panicStage) Name() string                    { return model.StageDedup }
func (p *panicStage) Initialize(*config.Config) error { return nil }
func (p *panicStage) Process(context.Context, string, string) (*model.StageStats, error) {
	panic("boom")
}
func (p *panicStage) Cleanup() { p.cleaned++ }

func TestRun_RecoversFromStagePanic(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.ReuseStages = false
	st := &panicStage{}
	f := newFixture(t)
	m := f.manager(t, cfg, WithStageCreator(func(string, *zap.Logger) (model.Stage, error) { return st, nil }))
	in := f.capture(t, "in.pcap", tlsSession())

	res := m.Run(context.Background(), in, filepath.Join(f.dir, "out.pcap"), []string{"dedup"}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.KindProcessing, res.Error.Kind)
	assert.Equal(t, model.StageDedup, res.Error.Stage)
	assert.True(t, strings.Contains(res.Error.Message, "boom"))
	assert.Equal(t, 1, st.cleaned, "throwaway instance cleaned up")
	f.assertNoLeaks(t)
}

func TestRun_ReusedStagesKeepStateAcrossFiles(t *testing.T) {
	cfg := testConfig()
	cfg.Anonymize.Passphrase = ""
	cfg.Dedup.Scope = "batch"
	f := newFixture(t)
	m := f.manager(t, cfg)
	a := f.capture(t, "a.pcap", tlsSession())
	b := f.capture(t, "b.pcap", tlsSession())
	outA, outB := filepath.Join(f.dir, "a.out.pcap"), filepath.Join(f.dir, "b.out.pcap")

	require.True(t, m.Run(context.Background(), a, outA, []string{"anonymize"}, nil).Success)
	require.True(t, m.Run(context.Background(), b, outB, []string{"anonymize"}, nil).Success)
	gotA, err := tlscap.ReadFile(outA)
	require.NoError(t, err)
	gotB, err := tlscap.ReadFile(outB)
	require.NoError(t, err)
	assert.Equal(t, gotA, gotB, "random key is shared by one reused instance")

	res := m.Run(context.Background(), b, filepath.Join(f.dir, "b2.out.pcap"), []string{"dedup"}, nil)
	require.True(t, res.Success)
	res = m.Run(context.Background(), a, filepath.Join(f.dir, "a2.out.pcap"), []string{"dedup"}, nil)
	require.True(t, res.Success)
	assert.EqualValues(t, 7, res.Stats("dedup").PacketsModified, "batch scope spans files")
}

func TestRun_OutputFormatOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.OutputFormat = "pcapng"
	f := newFixture(t)
	m := f.manager(t, cfg)
	in := f.capture(t, "in.pcap", tlsSession())
	out := filepath.Join(f.dir, "out.pcapng")

	res := m.Run(context.Background(), in, out, []string{"dedup", "mask"}, nil)
	require.True(t, res.Success, "error: %+v", res.Error)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0d, 0x0d, 0x0a}, data[:4])
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, testConfig())
	in := f.capture(t, "in.pcap", tlsSession())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := m.Run(ctx, in, filepath.Join(f.dir, "out.pcap"), []string{"dedup"}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.KindProcessing, res.Error.Kind)
	f.assertNoLeaks(t)
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.OutputFormat = "erf"
	_, err := NewManager(cfg)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
}
