package rules

import "fmt"

// Kind says how much of a matched range survives.
type Kind uint8

const (
	// FullPreserve keeps every byte of the range.
	FullPreserve Kind = iota
	// HeaderOnly keeps a record header. The range covers only the header;
	// the record body gets no rule and is therefore zeroed.
	HeaderOnly
)

func (k Kind) String() string {
	switch k {
	case FullPreserve:
		return "full_preserve"
	case HeaderOnly:
		return "header_only"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// KeepRule preserves the half-open sequence range [Start, End) of Stream.
// End may be numerically smaller than Start when the range wraps past 2^32.
type KeepRule struct {
	Stream StreamID `json:"-"`
	Start  uint32   `json:"start"`
	End    uint32   `json:"end"`
	Kind   Kind     `json:"kind"`

	// Provenance, used to resolve overlapping claims and in log lines.
	Frame          int64 `json:"frame,omitempty"`
	ContentType    uint8 `json:"content_type,omitempty"`
	Retransmission bool  `json:"retransmission,omitempty"`
}

// Len returns the number of bytes the rule covers.
func (r KeepRule) Len() uint32 {
	return r.End - r.Start
}

// FullRule keeps [seq, seq+length).
func FullRule(stream StreamID, seq, length uint32) KeepRule {
	return KeepRule{Stream: stream, Start: seq, End: seq + length, Kind: FullPreserve}
}

// HeaderRule keeps the first headerLen bytes of a record starting at seq.
func HeaderRule(stream StreamID, seq, headerLen uint32) KeepRule {
	return KeepRule{Stream: stream, Start: seq, End: seq + headerLen, Kind: HeaderOnly}
}

func (r KeepRule) sameRange(o KeepRule) bool {
	return r.Start == o.Start && r.End == o.End && r.Kind == o.Kind
}

func (r KeepRule) String() string {
	return fmt.Sprintf("%s [%d,%d) %s", r.Stream, r.Start, r.End, r.Kind)
}
