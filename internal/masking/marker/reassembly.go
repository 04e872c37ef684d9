package marker

import (
	"container/heap"

	"PcapSanitizer/internal/masking/rules"
)

// segment is a piece of one direction's byte stream.
type segment struct {
	seq     uint32
	payload []byte
	frame   int64
	// missing counts bytes the capture did not keep after payload.
	missing int
}

func (s *segment) end() uint32 { return s.seq + uint32(len(s.payload)+s.missing) }

// segmentHeap orders pending segments by sequence number.
type segmentHeap []*segment

func (h segmentHeap) Len() int           { return len(h) }
func (h segmentHeap) Less(i, j int) bool { return rules.SeqLess(h[i].seq, h[j].seq) }
func (h segmentHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *segmentHeap) Push(x interface{}) { *h = append(*h, x.(*segment)) }
func (h *segmentHeap) Pop() (x interface{}) {
	old := *h
	*h, x = old[:len(old)-1], old[len(old)-1]
	return
}

func (h *segmentHeap) pushSegment(s *segment) { heap.Push(h, s) }
func (h *segmentHeap) popSegment() *segment   { return heap.Pop(h).(*segment) }
func (h segmentHeap) peek() *segment          { return h[0] }

// maxPendingBytes bounds the out-of-order data buffered per stream. Past
// it the stream skips ahead to the earliest buffered segment.
const maxPendingBytes = 8 << 20

// reassembler delivers one direction's payload in sequence order. Data
// already delivered is trimmed from later segments, so the first copy of
// any byte wins.
type reassembler struct {
	started bool
	next    uint32
	pending segmentHeap
	bytes   int

	isnKnown bool
	isn      uint32

	// retransmitted counts segments that carried no new bytes.
	retransmitted int

	deliver func(seg *segment)
	gap     func(n uint32)
}

// syn records the initial sequence number; payload starts right after it.
func (r *reassembler) syn(seq uint32) {
	if !r.started {
		r.isnKnown = true
		r.isn = seq + 1
	}
}

func (r *reassembler) add(seg *segment) {
	if !r.started {
		r.started = true
		r.next = seg.seq
		if r.isnKnown && rules.SeqLess(r.isn, seg.seq) {
			// The first data segment arrived out of order.
			r.next = r.isn
		}
	}

	d := rules.SeqDiff(seg.seq, r.next)
	switch {
	case d < 0:
		if !r.trim(seg) {
			r.retransmitted++
			return
		}
		r.emit(seg)
		r.drain()
	case d == 0:
		r.emit(seg)
		r.drain()
	default:
		r.pending.pushSegment(seg)
		r.bytes += len(seg.payload)
		if r.bytes > maxPendingBytes {
			r.skipToPending()
		}
	}
}

// trim drops the part of seg that was already delivered. It reports
// whether anything new remains.
func (r *reassembler) trim(seg *segment) bool {
	skip := int(rules.SeqDiff(r.next, seg.seq))
	total := len(seg.payload) + seg.missing
	if skip >= total {
		return false
	}
	if skip >= len(seg.payload) {
		seg.missing -= skip - len(seg.payload)
		seg.payload = nil
	} else {
		seg.payload = seg.payload[skip:]
	}
	seg.seq = r.next
	return true
}

func (r *reassembler) emit(seg *segment) {
	r.deliver(seg)
	r.next = seg.end()
}

func (r *reassembler) drain() {
	for r.pending.Len() > 0 {
		top := r.pending.peek()
		if rules.SeqLess(r.next, top.seq) {
			return
		}
		r.pending.popSegment()
		r.bytes -= len(top.payload)
		if rules.SeqLess(top.seq, r.next) && !r.trim(top) {
			r.retransmitted++
			continue
		}
		r.emit(top)
	}
}

// skipToPending declares the bytes before the earliest buffered segment
// lost and continues from there.
func (r *reassembler) skipToPending() {
	top := r.pending.peek()
	r.gap(uint32(rules.SeqDiff(top.seq, r.next)))
	r.next = top.seq
	r.drain()
}

// flush delivers everything still buffered, reporting each hole.
func (r *reassembler) flush() {
	for r.pending.Len() > 0 {
		r.skipToPending()
	}
}
