package marker

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/pkg/logging"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// tsharkFields is the column order of the main scan.
var tsharkFields = []string{
	"frame.number",
	"ip.src", "ipv6.src", "tcp.srcport",
	"ip.dst", "ipv6.dst", "tcp.dstport",
	"tcp.seq_raw", "tcp.len",
	"tcp.segment",
	"tcp.analysis.retransmission",
	"tls.record.content_type",
	"tls.record.length",
	"tcp.flags.syn",
}

// Tshark runs the wireshark command line dissector with TCP and TLS
// reassembly enabled.
type Tshark struct {
	path       string
	minVersion version
	logger     *zap.Logger

	// waitDelay bounds how long Analyze waits for output pipes after the
	// process has been killed.
	waitDelay time.Duration
}

// NewTshark returns a tshark analyzer. path may be a bare command name
// looked up in PATH.
func NewTshark(path, minVersion string, logger *zap.Logger) (*Tshark, error) {
	if path == "" {
		path = "tshark"
	}
	if minVersion == "" {
		minVersion = "3.0.0"
	}
	v, err := parseVersion(minVersion)
	if err != nil {
		return nil, model.NewError(model.KindConfiguration, "", errors.Wrap(err, "mask.marker.min_version"))
	}
	return &Tshark{path: path, minVersion: v, logger: logging.Must(logger), waitDelay: 2 * time.Second}, nil
}

func (t *Tshark) Name() string { return "tshark" }

// Check verifies the executable exists, is recent enough and knows the tls
// dissector.
func (t *Tshark) Check(ctx context.Context) error {
	bin, err := exec.LookPath(t.path)
	if err != nil {
		return model.NewError(model.KindDependency, "", errors.Wrapf(err, "tshark executable %q not found", t.path))
	}

	out, err := t.output(ctx, bin, "-v")
	if err != nil {
		return model.NewError(model.KindDependency, "", errors.Wrap(err, "tshark version query failed"))
	}
	firstLine, _, _ := strings.Cut(string(out), "\n")
	got, err := parseVersion(firstLine)
	if err != nil {
		return model.NewError(model.KindDependency, "", errors.Wrap(err, "cannot read tshark version"))
	}
	if got.less(t.minVersion) {
		return model.Errorf(model.KindDependency, "", "tshark %s is older than the required %s", got, t.minVersion)
	}

	out, err = t.output(ctx, bin, "-G", "protocols")
	if err != nil {
		return model.NewError(model.KindDependency, "", errors.Wrap(err, "tshark capability probe failed"))
	}
	if !hasProtocol(out, "tls") {
		return model.Errorf(model.KindDependency, "", "tshark %s has no tls dissector", got)
	}

	t.logger.Debug("tshark available", zap.String("path", bin), zap.Stringer("version", got))
	return nil
}

func (t *Tshark) output(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.WaitDelay = t.waitDelay
	var stderr tailBuffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "%s", stderr.String())
	}
	return out, nil
}

// hasProtocol scans `tshark -G protocols` output (name, short name, filter
// name separated by tabs) for a filter name.
func hasProtocol(out []byte, filter string) bool {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) >= 3 && cols[2] == filter {
			return true
		}
	}
	return false
}

func (t *Tshark) args(path string) []string {
	args := []string{
		"-n", "-r", path,
		"-o", "tcp.desegment_tcp_streams:TRUE",
		"-o", "tls.desegment_ssl_records:TRUE",
		"-Y", "tcp.len>0",
		"-T", "fields",
		"-E", "separator=/t",
		"-E", "occurrence=a",
		"-E", "aggregator=,",
	}
	for _, f := range tsharkFields {
		args = append(args, "-e", f)
	}
	return args
}

// Analyze runs the main scan and streams its output through the field
// parser. If ctx ends first the process is killed and ctx.Err() returned.
func (t *Tshark) Analyze(ctx context.Context, path string, emit func(TLSRecord)) error {
	cmd := exec.CommandContext(ctx, t.path, t.args(path)...)
	cmd.WaitDelay = t.waitDelay
	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "tshark stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return model.NewError(model.KindDependency, "", errors.Wrap(err, "start tshark"))
	}

	parser := newFieldParser(t.logger)
	parseErr := parser.parse(stdout, emit)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return errors.Wrapf(waitErr, "tshark failed on %s: %s", path, strings.TrimSpace(stderr.String()))
	}
	if parseErr != nil {
		return errors.Wrap(parseErr, "read tshark output")
	}
	t.logger.Debug("tshark scan finished",
		zap.String("file", path),
		zap.Int("lines", parser.lines),
		zap.Int("skipped_lines", parser.skipped))
	return nil
}

// tailBuffer keeps the last few KiB written to it.
type tailBuffer struct {
	buf []byte
}

const tailLimit = 4096

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > tailLimit {
		b.buf = b.buf[len(b.buf)-tailLimit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
