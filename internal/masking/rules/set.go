package rules

import (
	"encoding/json"
	"io"
	"sort"

	"PcapSanitizer/internal/pkg/logging"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Builder collects candidate rules and resolves overlapping claims when
// the set is built.
type Builder struct {
	logger  *zap.Logger
	streams map[StreamID][]candidate
	order   []StreamID
	added   int
}

type candidate struct {
	rule KeepRule
	seen int
}

// NewBuilder returns an empty builder.
func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{
		logger:  logging.Must(logger),
		streams: make(map[StreamID][]candidate),
	}
}

// Add queues a candidate rule. Empty ranges and ranges of 2^31 bytes or
// more cannot be placed in sequence space and are rejected.
func (b *Builder) Add(rule KeepRule) error {
	n := rule.Len()
	if n == 0 {
		return errors.Errorf("empty keep range at seq %d on %s", rule.Start, rule.Stream)
	}
	if n >= 1<<31 {
		return errors.Errorf("keep range of %d bytes at seq %d on %s is too large", n, rule.Start, rule.Stream)
	}
	if _, ok := b.streams[rule.Stream]; !ok {
		b.order = append(b.order, rule.Stream)
	}
	b.streams[rule.Stream] = append(b.streams[rule.Stream], candidate{rule: rule, seen: b.added})
	b.added++
	return nil
}

// Build resolves overlaps and returns the immutable rule set. Candidates
// from non-retransmitted segments win over retransmitted ones, then the
// first seen wins. A dropped candidate that covers the same range as the
// winner is a duplicate; any other overlap is a conflict and is logged.
func (b *Builder) Build() *KeepRuleSet {
	set := &KeepRuleSet{streams: make(map[StreamID]*streamRules, len(b.order))}

	for _, id := range b.order {
		cands := b.streams[id]
		sr := &streamRules{base: cands[0].rule.Start}
		for _, c := range cands[1:] {
			sr.base = SeqMin(sr.base, c.rule.Start)
		}

		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].rule.Retransmission != cands[j].rule.Retransmission {
				return !cands[i].rule.Retransmission
			}
			return cands[i].seen < cands[j].seen
		})

		for _, c := range cands {
			ir := indexedRule{rule: c.rule, start: sr.offset(c.rule.Start)}
			ir.end = ir.start + int64(c.rule.Len())

			i := sort.Search(len(sr.rules), func(i int) bool { return sr.rules[i].start >= ir.start })
			if clash := sr.overlapping(i, ir); clash != nil {
				if clash.rule.sameRange(c.rule) {
					set.duplicates++
					b.logger.Debug("Dropping duplicate keep rule",
						zap.Stringer("stream", id),
						zap.Uint32("seq", c.rule.Start),
						zap.Int64("frame", c.rule.Frame))
					continue
				}
				set.conflicts++
				b.logger.Warn("Dropping conflicting keep rule",
					zap.Stringer("stream", id),
					zap.Stringer("dropped", c.rule.Kind),
					zap.Uint32("dropped_start", c.rule.Start),
					zap.Uint32("dropped_end", c.rule.End),
					zap.Int64("dropped_frame", c.rule.Frame),
					zap.Uint32("kept_start", clash.rule.Start),
					zap.Uint32("kept_end", clash.rule.End),
					zap.Int64("kept_frame", clash.rule.Frame))
				continue
			}
			sr.rules = append(sr.rules, indexedRule{})
			copy(sr.rules[i+1:], sr.rules[i:])
			sr.rules[i] = ir
		}

		set.streams[id] = sr
		set.order = append(set.order, id)
	}

	// Number the rules so the masker can track which ones it touched.
	for _, id := range set.order {
		sr := set.streams[id]
		for i := range sr.rules {
			sr.rules[i].id = set.total
			set.kinds = append(set.kinds, sr.rules[i].rule.Kind)
			set.total++
		}
	}
	return set
}

// KeepRuleSet maps each stream to its sorted, non-overlapping rules. It is
// read-only once built.
type KeepRuleSet struct {
	streams    map[StreamID]*streamRules
	order      []StreamID
	kinds      []Kind
	total      int
	conflicts  int
	duplicates int
}

// Rules of one stream are stored as offsets from the stream's earliest
// start so that ordering and binary search work across a 2^32 wrap.
type streamRules struct {
	base  uint32
	rules []indexedRule
}

type indexedRule struct {
	rule       KeepRule
	start, end int64
	id         int
}

func (sr *streamRules) offset(seq uint32) int64 {
	return int64(SeqDiff(seq, sr.base))
}

// overlapping returns an accepted rule that overlaps ir, where i is the
// insertion point of ir.
func (sr *streamRules) overlapping(i int, ir indexedRule) *indexedRule {
	if i > 0 && sr.rules[i-1].end > ir.start {
		return &sr.rules[i-1]
	}
	if i < len(sr.rules) && sr.rules[i].start < ir.end {
		return &sr.rules[i]
	}
	return nil
}

// Len returns the number of accepted rules.
func (s *KeepRuleSet) Len() int { return s.total }

// Streams returns the number of streams with at least one rule.
func (s *KeepRuleSet) Streams() int { return len(s.order) }

// Conflicts returns how many overlapping candidates were dropped.
func (s *KeepRuleSet) Conflicts() int { return s.conflicts }

// Duplicates returns how many exact duplicate candidates were dropped.
func (s *KeepRuleSet) Duplicates() int { return s.duplicates }

// KindAt returns the kind of the rule numbered id, as carried by Span.Rule.
func (s *KeepRuleSet) KindAt(id int) Kind { return s.kinds[id] }

// Has reports whether stream has rules.
func (s *KeepRuleSet) Has(stream StreamID) bool {
	_, ok := s.streams[stream]
	return ok
}

// Rules returns a copy of the sorted rules of stream.
func (s *KeepRuleSet) Rules(stream StreamID) []KeepRule {
	sr, ok := s.streams[stream]
	if !ok {
		return nil
	}
	out := make([]KeepRule, len(sr.rules))
	for i, ir := range sr.rules {
		out[i] = ir.rule
	}
	return out
}

// Span is a kept byte range [Lo, Hi) of one packet payload, produced by
// the rule with index Rule.
type Span struct {
	Lo, Hi int
	Rule   int
	Kind   Kind
}

// AppendKeep appends to dst the payload ranges of a segment starting at
// seq with n bytes that fall inside a rule of stream. The bool result is
// false when stream has no rules at all. Spans are ascending and
// disjoint.
func (s *KeepRuleSet) AppendKeep(dst []Span, stream StreamID, seq uint32, n int) ([]Span, bool) {
	sr, ok := s.streams[stream]
	if !ok {
		return dst, false
	}
	if n <= 0 {
		return dst, true
	}
	start := sr.offset(seq)
	end := start + int64(n)

	i := sort.Search(len(sr.rules), func(i int) bool { return sr.rules[i].end > start })
	for ; i < len(sr.rules) && sr.rules[i].start < end; i++ {
		ir := &sr.rules[i]
		lo, hi := ir.start, ir.end
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		dst = append(dst, Span{Lo: int(lo - start), Hi: int(hi - start), Rule: ir.id, Kind: ir.rule.Kind})
	}
	return dst, true
}

type jsonStream struct {
	Stream StreamID   `json:"stream"`
	Base   uint32     `json:"base"`
	Rules  []KeepRule `json:"rules"`
}

type jsonSet struct {
	Rules      int          `json:"rules"`
	Conflicts  int          `json:"conflicts"`
	Duplicates int          `json:"duplicates"`
	Streams    []jsonStream `json:"streams"`
}

// WriteJSON dumps the set for debugging.
func (s *KeepRuleSet) WriteJSON(w io.Writer) error {
	out := jsonSet{Rules: s.total, Conflicts: s.conflicts, Duplicates: s.duplicates}
	for _, id := range s.order {
		out.Streams = append(out.Streams, jsonStream{
			Stream: id,
			Base:   s.streams[id].base,
			Rules:  s.Rules(id),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(out), "encode keep rules")
}
