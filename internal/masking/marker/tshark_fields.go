package marker

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"PcapSanitizer/internal/masking/rules"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	colFrame = iota
	colIPSrc
	colIPv6Src
	colSrcPort
	colIPDst
	colIPv6Dst
	colDstPort
	colSeqRaw
	colLen
	colSegments
	colRetrans
	colContentType
	colRecordLen
	colSYN
	numCols
)

type segmentInfo struct {
	seq uint32
	len uint32
}

// fieldParser turns tshark field rows into TLSRecords. tshark reports a
// reassembled record in the frame that completes it and lists the frames
// that carried it in tcp.segment, so the parser remembers the sequence
// range of every frame and the running record end of every stream.
type fieldParser struct {
	logger   *zap.Logger
	segments map[int64]segmentInfo
	cursor   map[rules.StreamID]uint32

	lines, skipped int
}

func newFieldParser(logger *zap.Logger) *fieldParser {
	return &fieldParser{
		logger:   logger,
		segments: make(map[int64]segmentInfo),
		cursor:   make(map[rules.StreamID]uint32),
	}
}

func (p *fieldParser) parse(r io.Reader, emit func(TLSRecord)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		p.lines++
		if err := p.parseLine(line, emit); err != nil {
			p.skipped++
			p.logger.Warn("Skipping unparseable analyzer row", zap.Int("line", p.lines), zap.Error(err))
		}
	}
	return sc.Err()
}

func (p *fieldParser) parseLine(line string, emit func(TLSRecord)) error {
	cols := strings.Split(line, "\t")
	if len(cols) < numCols {
		// tshark drops trailing empty columns on some versions.
		cols = append(cols, make([]string, numCols-len(cols))...)
	}

	frame, err := strconv.ParseInt(cols[colFrame], 10, 64)
	if err != nil {
		return errors.Wrap(err, "frame.number")
	}
	seq, err := parseUint32(first(cols[colSeqRaw]))
	if err != nil {
		return errors.Wrap(err, "tcp.seq_raw")
	}
	if flagSet(cols[colSYN]) {
		// Data on a SYN starts after the flag.
		seq++
	}
	segLen, err := parseUint32(first(cols[colLen]))
	if err != nil {
		return errors.Wrap(err, "tcp.len")
	}
	p.segments[frame] = segmentInfo{seq: seq, len: segLen}

	if cols[colContentType] == "" {
		return nil
	}

	stream, err := p.stream(cols)
	if err != nil {
		return err
	}

	types := strings.Split(cols[colContentType], ",")
	lengths := strings.Split(cols[colRecordLen], ",")
	if len(types) != len(lengths) {
		return errors.Errorf("frame %d: %d content types but %d record lengths", frame, len(types), len(lengths))
	}

	// Position of the first record: start of the first reassembled
	// segment, or of this frame, moved forward to the end of the previous
	// record when that lies inside the first segment.
	start := segmentInfo{seq: seq, len: segLen}
	if segs := cols[colSegments]; segs != "" {
		f, err := strconv.ParseInt(first(segs), 10, 64)
		if err != nil {
			return errors.Wrap(err, "tcp.segment")
		}
		info, ok := p.segments[f]
		if !ok {
			return errors.Errorf("frame %d: reassembled from unknown frame %d", frame, f)
		}
		start = info
	}
	pos := start.seq
	if cur, ok := p.cursor[stream]; ok {
		if d := rules.SeqDiff(cur, start.seq); d > 0 && uint32(d) < start.len {
			pos = cur
		}
	}

	retrans := cols[colRetrans] != ""
	for i := range types {
		ct, err := strconv.ParseUint(strings.TrimSpace(types[i]), 0, 8)
		if err != nil {
			return errors.Wrapf(err, "frame %d: tls.record.content_type", frame)
		}
		body, err := parseUint32(lengths[i])
		if err != nil {
			return errors.Wrapf(err, "frame %d: tls.record.length", frame)
		}
		rec := TLSRecord{
			Stream:         stream,
			Seq:            pos,
			ContentType:    uint8(ct),
			Length:         RecordHeaderLen + body,
			Frame:          frame,
			Retransmission: retrans,
		}
		emit(rec)
		pos += rec.Length
	}
	if !retrans {
		p.cursor[stream] = pos
	}
	return nil
}

func (p *fieldParser) stream(cols []string) (rules.StreamID, error) {
	src, dst := first(cols[colIPSrc]), first(cols[colIPDst])
	if src == "" {
		src, dst = first(cols[colIPv6Src]), first(cols[colIPv6Dst])
	}
	sport, err := strconv.ParseUint(first(cols[colSrcPort]), 10, 16)
	if err != nil {
		return rules.StreamID{}, errors.Wrap(err, "tcp.srcport")
	}
	dport, err := strconv.ParseUint(first(cols[colDstPort]), 10, 16)
	if err != nil {
		return rules.StreamID{}, errors.Wrap(err, "tcp.dstport")
	}
	return rules.ParseStreamID(src, uint16(sport), dst, uint16(dport))
}

// first returns the first value of an aggregated field.
func first(s string) string {
	v, _, _ := strings.Cut(s, ",")
	return strings.TrimSpace(v)
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	return uint32(n), err
}

// flagSet reads a boolean tshark field, printed as 1 or True depending on
// the version.
func flagSet(s string) bool {
	s = first(s)
	return s == "1" || strings.EqualFold(s, "true")
}
