package marker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"PcapSanitizer/internal/masking/rules"
	"PcapSanitizer/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Rows in tsharkFields order.
var cannedScan = strings.Join([]string{
	// Handshake in one frame, followed by the first 5 bytes of an
	// application data record that completes in frame 5.
	"4\t10.0.0.1\t\t50000\t10.0.0.2\t\t443\t1000\t85\t\t\t22\t75",
	"5\t10.0.0.1\t\t50000\t10.0.0.2\t\t443\t1085\t45\t4,5\t\t23\t45",
	// Two records in one server frame.
	"6\t10.0.0.2\t\t443\t10.0.0.1\t\t50000\t7000\t60\t\t\t22,20\t49,1",
	// Retransmission of frame 4.
	"7\t10.0.0.1\t\t50000\t10.0.0.2\t\t443\t1000\t85\t\t1\t22\t75",
	"notanumber\t\t\t\t\t\t\t\t\t\t\t\t",
	// Payload without TLS.
	"9\t10.0.0.1\t\t50000\t10.0.0.2\t\t443\t1130\t10\t\t\t\t",
	"10\t\tfe80::1\t443\t\tfe80::2\t50001\t500\t10\t\t\t21\t5",
	// Counts disagree.
	"11\t10.0.0.1\t\t50000\t10.0.0.2\t\t443\t1140\t10\t\t\t22,23\t5",
	"",
}, "\n")

func TestFieldParser_RecordPositions(t *testing.T) {
	p := newFieldParser(zap.NewNop())
	var got []TLSRecord
	require.NoError(t, p.parse(strings.NewReader(cannedScan), func(r TLSRecord) { got = append(got, r) }))

	c2s, err := rules.ParseStreamID("10.0.0.1", 50000, "10.0.0.2", 443)
	require.NoError(t, err)
	s2c := c2s.Reverse()
	v6, err := rules.ParseStreamID("fe80::1", 443, "fe80::2", 50001)
	require.NoError(t, err)

	want := []TLSRecord{
		{Stream: c2s, Seq: 1000, ContentType: 22, Length: 80, Frame: 4},
		{Stream: c2s, Seq: 1080, ContentType: 23, Length: 50, Frame: 5},
		{Stream: s2c, Seq: 7000, ContentType: 22, Length: 54, Frame: 6},
		{Stream: s2c, Seq: 7054, ContentType: 20, Length: 6, Frame: 6},
		{Stream: c2s, Seq: 1000, ContentType: 22, Length: 80, Frame: 7, Retransmission: true},
		{Stream: v6, Seq: 500, ContentType: 21, Length: 10, Frame: 10},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 8, p.lines)
	assert.Equal(t, 2, p.skipped)
}

func TestFieldParser_DataOnSYN(t *testing.T) {
	rows := strings.Join([]string{
		// TCP Fast Open: the ClientHello rides on the SYN at raw seq 999.
		"1\t10.0.0.1\t\t50000\t10.0.0.2\t\t443\t999\t20\t\t\t22\t15\t1",
		"3\t10.0.0.1\t\t50000\t10.0.0.2\t\t443\t1020\t10\t\t\t23\t5\tFalse",
		"",
	}, "\n")
	p := newFieldParser(zap.NewNop())
	var got []TLSRecord
	require.NoError(t, p.parse(strings.NewReader(rows), func(r TLSRecord) { got = append(got, r) }))

	c2s, err := rules.ParseStreamID("10.0.0.1", 50000, "10.0.0.2", 443)
	require.NoError(t, err)
	assert.Equal(t, []TLSRecord{
		{Stream: c2s, Seq: 1000, ContentType: 22, Length: 20, Frame: 1},
		{Stream: c2s, Seq: 1020, ContentType: 23, Length: 10, Frame: 3},
	}, got)
	assert.Zero(t, p.skipped)
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("TShark (Wireshark) 3.6.2 (Git v3.6.2 packaged as 3.6.2-2)")
	require.NoError(t, err)
	assert.Equal(t, version{3, 6, 2}, v)

	old, err := parseVersion("TShark 2.6")
	require.NoError(t, err)
	assert.True(t, old.less(v))
	assert.False(t, v.less(v))

	_, err = parseVersion("no digits here")
	assert.Error(t, err)
}

func TestNewTshark_BadMinVersion(t *testing.T) {
	_, err := NewTshark("tshark", "latest", nil)
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}

// fakeTshark writes a shell script standing in for tshark. scan is the
// body run for the main scan.
func fakeTshark(t *testing.T, versionLine, protocols, scan string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a unix shell")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		"case \"$1\" in\n" +
		"  -v) echo '" + versionLine + "' ;;\n" +
		"  -G) printf '" + protocols + "' ;;\n" +
		"  *) " + scan + " ;;\n" +
		"esac\n"
	path := filepath.Join(dir, "tshark")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

const withTLS = `Transmission Control Protocol\tTCP\ttcp\nTransport Layer Security\tTLS\ttls\n`

func TestTshark_Check(t *testing.T) {
	ctx := context.Background()

	ok, err := NewTshark(fakeTshark(t, "TShark (Wireshark) 3.6.2", withTLS, "true"), "3.0.0", nil)
	require.NoError(t, err)
	assert.NoError(t, ok.Check(ctx))

	old, err := NewTshark(fakeTshark(t, "TShark (Wireshark) 2.6.10", withTLS, "true"), "3.0.0", nil)
	require.NoError(t, err)
	err = old.Check(ctx)
	require.Error(t, err)
	assert.Equal(t, model.KindDependency, model.KindOf(err))
	assert.Contains(t, err.Error(), "older")

	noTLS, err := NewTshark(fakeTshark(t, "TShark (Wireshark) 4.2.0", `Transmission Control Protocol\tTCP\ttcp\n`, "true"), "3.0.0", nil)
	require.NoError(t, err)
	err = noTLS.Check(ctx)
	require.Error(t, err)
	assert.Equal(t, model.KindDependency, model.KindOf(err))

	missing, err := NewTshark(filepath.Join(t.TempDir(), "no-such-tshark"), "3.0.0", nil)
	require.NoError(t, err)
	err = missing.Check(ctx)
	require.Error(t, err)
	assert.Equal(t, model.KindDependency, model.KindOf(err))
}

func TestTshark_AnalyzeStreamsOutput(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "scan.txt")
	require.NoError(t, os.WriteFile(fixture, []byte(cannedScan), 0o644))

	ts, err := NewTshark(fakeTshark(t, "TShark 3.6.2", withTLS, "cat '"+fixture+"'"), "", nil)
	require.NoError(t, err)

	var n int
	require.NoError(t, ts.Analyze(context.Background(), "input.pcap", func(TLSRecord) { n++ }))
	assert.Equal(t, 6, n)
}

func TestTshark_AnalyzeFailureAndTimeout(t *testing.T) {
	failing, err := NewTshark(fakeTshark(t, "TShark 3.6.2", withTLS, "echo 'tshark: The file \"x\" appears to be damaged' >&2; exit 2"), "", nil)
	require.NoError(t, err)
	err = failing.Analyze(context.Background(), "x", func(TLSRecord) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "appears to be damaged")

	slow, err := NewTshark(fakeTshark(t, "TShark 3.6.2", withTLS, "exec sleep 10"), "", nil)
	require.NoError(t, err)
	slow.waitDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = slow.Analyze(ctx, "x", func(TLSRecord) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
