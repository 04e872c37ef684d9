// Package masker applies a KeepRuleSet to a capture: every TCP payload
// byte outside a keep rule is zeroed, in place, without changing lengths.
package masker

import (
	"context"
	"time"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/engine/protocol"
	"PcapSanitizer/internal/masking/rules"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/monitor"
	"PcapSanitizer/internal/pkg/logging"
	"PcapSanitizer/internal/stages"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// Extra metric names reported by Apply.
const (
	MetricRecordsMasked    = "records_masked"
	MetricStreamsSeen      = "streams_seen"
	MetricTCPPackets       = "tcp_packets"
	MetricUnmatchedStreams = "unmatched_streams"
	MetricBytesZeroed      = "bytes_zeroed"
)

// Masker zeroes TCP payload bytes not covered by a rule set.
type Masker struct {
	preserveUnmatched  bool
	recomputeChecksums bool
	format             stages.OutputFormat

	monitor *monitor.Monitor
	logger  *zap.Logger
}

// New builds a masker. outputFormat is "auto", "pcap" or "pcapng".
func New(cfg config.MaskerConfig, outputFormat string, mon *monitor.Monitor, logger *zap.Logger) (*Masker, error) {
	m := &Masker{
		recomputeChecksums: cfg.RecomputeChecksums,
		monitor:            mon,
		logger:             logging.Must(logger),
	}
	switch cfg.UnmatchedStreams {
	case "", "mask":
	case "preserve":
		m.preserveUnmatched = true
	default:
		return nil, model.Errorf(model.KindConfiguration, model.StageMask, "invalid unmatched_streams policy %q", cfg.UnmatchedStreams)
	}
	format, err := stages.ParseOutputFormat(model.StageMask, outputFormat)
	if err != nil {
		return nil, err
	}
	m.format = format
	return m, nil
}

// run holds the per-file state of one Apply call.
type run struct {
	set     *rules.KeepRuleSet
	spans   []rules.Span
	streams map[rules.StreamID]bool
	ruleHit []bool

	tcpPackets     int64
	bytesZeroed    int64
	decodeFailures int64
	checksumSkips  int64
}

// Apply reads input, masks every TCP packet against set and writes output
// in capture order. Packet count and every packet length are unchanged.
func (m *Masker) Apply(ctx context.Context, set *rules.KeepRuleSet, input, output string) (*model.StageStats, error) {
	start := time.Now()
	stats := model.NewStageStats(model.StageMask)

	st := &run{
		set:     set,
		streams: make(map[rules.StreamID]bool),
		ruleHit: make([]bool, set.Len()),
	}
	err := stages.Rewrite(ctx, stats, input, output, m.format, m.monitor,
		func(lt layers.LinkType, _ gopacket.CaptureInfo, data []byte) (bool, bool) {
			return true, m.maskPacket(st, lt, data)
		})
	if err != nil {
		return nil, err
	}

	var recordsMasked, unmatched int64
	for id := range st.streams {
		if !set.Has(id) {
			unmatched++
		}
	}
	for i, hit := range st.ruleHit {
		if hit && set.KindAt(i) == rules.HeaderOnly {
			recordsMasked++
		}
	}

	stats.ExtraMetrics.Set(MetricRecordsMasked, recordsMasked)
	stats.ExtraMetrics.Set(MetricStreamsSeen, int64(len(st.streams)))
	stats.ExtraMetrics.Set(MetricTCPPackets, st.tcpPackets)
	stats.ExtraMetrics.Set(MetricUnmatchedStreams, unmatched)
	stats.ExtraMetrics.Set(MetricBytesZeroed, st.bytesZeroed)
	stats.Finish(start)

	m.logger.Info("Masked capture",
		zap.String("file", input),
		zap.Int64("packets", stats.PacketsProcessed),
		zap.Int64("modified", stats.PacketsModified),
		zap.Int64("bytes_zeroed", st.bytesZeroed),
		zap.Int64("unmatched_streams", unmatched),
		zap.Int64("undecodable", st.decodeFailures),
		zap.Int64("checksums_left", st.checksumSkips))
	return stats, nil
}

// maskPacket masks data in place and reports whether any byte changed.
// Packets that do not decode, non-TCP packets and TCP packets without
// payload are left alone.
func (m *Masker) maskPacket(st *run, lt layers.LinkType, data []byte) bool {
	view, err := protocol.ParsePacket(data, lt)
	if err != nil {
		st.decodeFailures++
		return false
	}
	if !view.IsTCP() {
		return false
	}
	st.tcpPackets++
	id, ok := rules.StreamFromIP(view.SrcIP, view.SrcPort, view.DstIP, view.DstPort)
	if !ok {
		return false
	}
	st.streams[id] = true
	if view.CapturedPayload == 0 {
		return false
	}

	var matched bool
	st.spans, matched = st.set.AppendKeep(st.spans[:0], id, view.PayloadSeq, view.CapturedPayload)
	if !matched && m.preserveUnmatched {
		return false
	}
	for _, sp := range st.spans {
		st.ruleHit[sp.Rule] = true
	}

	zeroed := zeroOutside(view.Payload(data), st.spans)
	if zeroed == 0 {
		return false
	}
	st.bytesZeroed += int64(zeroed)

	if m.recomputeChecksums && !view.RecomputeChecksums(data) {
		st.checksumSkips++
	}
	return true
}

// zeroOutside zeroes every byte of payload outside the ascending, disjoint
// keep spans and returns how many bytes changed.
func zeroOutside(payload []byte, keep []rules.Span) int {
	changed := 0
	wipe := func(b []byte) {
		for i, v := range b {
			if v != 0 {
				b[i] = 0
				changed++
			}
		}
	}
	pos := 0
	for _, sp := range keep {
		if sp.Lo > pos {
			wipe(payload[pos:sp.Lo])
		}
		pos = sp.Hi
	}
	if pos < len(payload) {
		wipe(payload[pos:])
	}
	return changed
}
