package marker

import (
	"context"
	"encoding/binary"

	"PcapSanitizer/internal/engine/protocol"
	"PcapSanitizer/internal/masking/rules"
	"PcapSanitizer/internal/pkg/logging"
	"PcapSanitizer/pkg/pcap"

	"github.com/google/gopacket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Native locates TLS records in-process: it reassembles each TCP direction
// and walks the record headers. A direction whose bytes stop looking like
// TLS, or that loses bytes the walker needed, produces no further records.
type Native struct {
	logger *zap.Logger
}

// NewNative returns the in-process analyzer.
func NewNative(logger *zap.Logger) *Native {
	return &Native{logger: logging.Must(logger)}
}

func (n *Native) Name() string { return "native" }

// Check always succeeds; the native analyzer has no external dependency.
func (n *Native) Check(context.Context) error { return nil }

type nativeStream struct {
	id     rules.StreamID
	asm    reassembler
	walker recordWalker
}

const ctxCheckEvery = 1024

func (n *Native) Analyze(ctx context.Context, path string, emit func(TLSRecord)) error {
	r, err := pcap.NewReader(path)
	if err != nil {
		return errors.Wrap(err, "open capture")
	}
	defer r.Close()

	streams := make(map[rules.StreamID]*nativeStream)
	var order []*nativeStream

	err = r.ForEach(func(index int, ci gopacket.CaptureInfo, data []byte) error {
		if index%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		view, err := protocol.ParsePacket(data, r.PacketLinkType(ci))
		if err != nil || !view.IsTCP() {
			return nil
		}
		id, ok := rules.StreamFromIP(view.SrcIP, view.SrcPort, view.DstIP, view.DstPort)
		if !ok {
			return nil
		}
		st := streams[id]
		if st == nil {
			st = n.newStream(id, emit)
			streams[id] = st
			order = append(order, st)
		}
		if view.SYN {
			st.asm.syn(view.Seq)
		}
		if view.PayloadLen == 0 {
			return nil
		}
		// Copy: the reader reuses its buffer and the segment may be held
		// until the gap before it fills.
		payload := append([]byte(nil), view.Payload(data)...)
		st.asm.add(&segment{
			seq:     view.PayloadSeq,
			payload: payload,
			frame:   int64(index + 1),
			missing: view.PayloadLen - view.CapturedPayload,
		})
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return err
	}

	for _, st := range order {
		st.asm.flush()
		if st.walker.broken {
			n.logger.Debug("Stream stopped yielding TLS records",
				zap.Stringer("stream", st.id),
				zap.String("reason", st.walker.reason))
		}
	}
	return nil
}

func (n *Native) newStream(id rules.StreamID, emit func(TLSRecord)) *nativeStream {
	st := &nativeStream{id: id}
	st.walker.stream = id
	st.walker.emit = emit
	st.asm.deliver = st.walker.feed
	st.asm.gap = st.walker.gap
	return st
}

// recordWalker follows TLS record framing over a stream delivered in
// order. Headers may be split across segments; bodies are skipped.
type recordWalker struct {
	stream rules.StreamID
	emit   func(TLSRecord)

	hdr      [RecordHeaderLen]byte
	hdrN     int
	hdrSeq   uint32
	hdrFrame int64
	bodyLeft int

	broken bool
	reason string
}

func (w *recordWalker) fail(reason string) {
	w.broken = true
	w.reason = reason
}

func (w *recordWalker) feed(seg *segment) {
	if w.broken {
		return
	}
	seq := seg.seq
	data := seg.payload
	for len(data) > 0 {
		if w.bodyLeft > 0 {
			n := min(w.bodyLeft, len(data))
			w.bodyLeft -= n
			data = data[n:]
			seq += uint32(n)
			continue
		}
		if w.hdrN == 0 {
			w.hdrSeq = seq
			w.hdrFrame = seg.frame
		}
		n := copy(w.hdr[w.hdrN:], data)
		w.hdrN += n
		data = data[n:]
		seq += uint32(n)
		if w.hdrN < RecordHeaderLen {
			continue
		}
		w.hdrN = 0

		ct := w.hdr[0]
		body := int(binary.BigEndian.Uint16(w.hdr[3:5]))
		switch {
		case ct < ContentChangeCipherSpec || ct > ContentHeartbeat:
			w.fail("unknown content type")
			return
		case w.hdr[1] != 3:
			w.fail("unexpected protocol version")
			return
		case body > MaxRecordBody:
			w.fail("record body too long")
			return
		}
		w.emit(TLSRecord{
			Stream:      w.stream,
			Seq:         w.hdrSeq,
			ContentType: ct,
			Length:      uint32(RecordHeaderLen + body),
			Frame:       w.hdrFrame,
		})
		w.bodyLeft = body
	}
	if seg.missing > 0 {
		w.gap(uint32(seg.missing))
	}
}

// gap skips n bytes the capture does not have. Only bytes inside a record
// body can be skipped.
func (w *recordWalker) gap(n uint32) {
	if w.broken || n == 0 {
		return
	}
	if w.hdrN == 0 && uint32(w.bodyLeft) >= n {
		w.bodyLeft -= int(n)
		return
	}
	w.fail("bytes missing outside a record body")
}
