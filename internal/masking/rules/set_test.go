package rules

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	client = netip.MustParseAddr("10.0.0.1")
	server = netip.MustParseAddr("10.0.0.2")
	c2s    = NewStreamID(client, 50000, server, 443)
	s2c    = NewStreamID(server, 443, client, 50000)
)

func TestStreamID_Direction(t *testing.T) {
	assert.Equal(t, Forward, c2s.Dir)
	assert.Equal(t, Reverse, s2c.Dir)
	assert.NotEqual(t, c2s, s2c)
	assert.Equal(t, s2c, c2s.Reverse())
	assert.Equal(t, c2s, s2c.Reverse())
	assert.Equal(t, "10.0.0.1:50000->10.0.0.2:443", c2s.String())

	// Same host talking to itself: ports break the tie.
	a := NewStreamID(client, 1000, client, 2000)
	assert.Equal(t, Forward, a.Dir)
	assert.Equal(t, Reverse, a.Reverse().Dir)

	// IPv4-mapped IPv6 keys the same stream as plain IPv4.
	mapped := NewStreamID(netip.MustParseAddr("::ffff:10.0.0.1"), 50000, server, 443)
	assert.Equal(t, c2s, mapped)

	parsed, err := ParseStreamID("10.0.0.1", 50000, "10.0.0.2", 443)
	require.NoError(t, err)
	assert.Equal(t, c2s, parsed)

	_, err = ParseStreamID("not-an-ip", 1, "10.0.0.2", 2)
	assert.Error(t, err)
}

func TestSeqArithmetic(t *testing.T) {
	assert.True(t, SeqLess(1, 2))
	assert.False(t, SeqLess(2, 1))
	assert.True(t, SeqLess(0xFFFFFFF0, 0x10), "wraps")
	assert.True(t, SeqLEQ(7, 7))
	assert.Equal(t, int32(0x20), SeqDiff(0x10, 0xFFFFFFF0))
	assert.Equal(t, uint32(0xFFFFFFF0), SeqMin(0x10, 0xFFFFFFF0))
}

func spans(t *testing.T, set *KeepRuleSet, stream StreamID, seq uint32, n int) [][2]int {
	t.Helper()
	got, ok := set.AppendKeep(nil, stream, seq, n)
	require.True(t, ok)
	out := [][2]int{}
	for _, s := range got {
		out = append(out, [2]int{s.Lo, s.Hi})
	}
	return out
}

func TestKeepRuleSet_Lookup(t *testing.T) {
	b := NewBuilder(nil)
	// Added out of order on purpose.
	require.NoError(t, b.Add(HeaderRule(c2s, 1085, 5)))
	require.NoError(t, b.Add(FullRule(c2s, 1000, 85)))
	require.NoError(t, b.Add(HeaderRule(c2s, 1140, 5)))
	set := b.Build()

	require.Equal(t, 3, set.Len())
	rules := set.Rules(c2s)
	require.Len(t, rules, 3)
	assert.Equal(t, uint32(1000), rules[0].Start)
	assert.Equal(t, uint32(1085), rules[1].Start)
	assert.Equal(t, uint32(1140), rules[2].Start)

	// A packet carrying everything.
	assert.Equal(t, [][2]int{{0, 85}, {85, 90}, {140, 145}}, spans(t, set, c2s, 1000, 200))
	// A packet that starts inside the handshake and ends inside the header.
	assert.Equal(t, [][2]int{{0, 35}, {35, 40}}, spans(t, set, c2s, 1050, 40))
	// Pure application data body.
	assert.Equal(t, [][2]int{}, spans(t, set, c2s, 1090, 50))
	// Data before the first rule.
	assert.Equal(t, [][2]int{{10, 20}}, spans(t, set, c2s, 990, 20))

	_, ok := set.AppendKeep(nil, s2c, 1000, 10)
	assert.False(t, ok, "rules never cross directions")
}

func TestKeepRuleSet_Wraparound(t *testing.T) {
	isn := uint32(0xFFFFFFC0) // 64 bytes before the wrap
	b := NewBuilder(nil)
	// Handshake of 100 bytes crosses 2^32, app data header sits after it.
	require.NoError(t, b.Add(HeaderRule(c2s, isn+100, 5)))
	require.NoError(t, b.Add(FullRule(c2s, isn, 100)))
	set := b.Build()

	rules := set.Rules(c2s)
	require.Len(t, rules, 2)
	assert.Equal(t, isn, rules[0].Start, "rule before the wrap sorts first")
	assert.Equal(t, isn+100, rules[1].Start)
	assert.Less(t, rules[0].End, rules[0].Start, "end wrapped numerically")

	// Segment straddling the wrap.
	assert.Equal(t, [][2]int{{0, 100}, {100, 105}}, spans(t, set, c2s, isn, 150))
	// Segment entirely after the wrap, starting at seq 0.
	assert.Equal(t, [][2]int{{0, 36}, {36, 41}}, spans(t, set, c2s, 0, 60))
}

func TestBuilder_ConflictResolution(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	b := NewBuilder(zap.New(core))

	retrans := FullRule(c2s, 1000, 100)
	retrans.Retransmission = true
	retrans.Frame = 1
	require.NoError(t, b.Add(retrans))

	original := HeaderRule(c2s, 1000, 5)
	original.Frame = 2
	require.NoError(t, b.Add(original))

	dup := HeaderRule(c2s, 1000, 5)
	dup.Frame = 3
	require.NoError(t, b.Add(dup))

	later := FullRule(c2s, 1003, 10)
	later.Frame = 4
	require.NoError(t, b.Add(later))

	set := b.Build()
	rules := set.Rules(c2s)
	require.Len(t, rules, 1)
	assert.Equal(t, HeaderOnly, rules[0].Kind, "non-retransmitted claim wins")
	assert.Equal(t, int64(2), rules[0].Frame, "first seen wins among equals")
	assert.Equal(t, 2, set.Conflicts())
	assert.Equal(t, 1, set.Duplicates())

	assert.Equal(t, 2, logs.FilterMessage("Dropping conflicting keep rule").Len())
	assert.Equal(t, 1, logs.FilterMessage("Dropping duplicate keep rule").Len())
}

func TestBuilder_RejectsBadRanges(t *testing.T) {
	b := NewBuilder(nil)
	assert.Error(t, b.Add(KeepRule{Stream: c2s, Start: 5, End: 5}))
	assert.Error(t, b.Add(KeepRule{Stream: c2s, Start: 0, End: 1 << 31}))
	assert.Equal(t, 0, b.Build().Len())
}

func TestKeepRuleSet_Isolation(t *testing.T) {
	b := NewBuilder(nil)
	require.NoError(t, b.Add(FullRule(c2s, 1000, 50)))
	require.NoError(t, b.Add(HeaderRule(s2c, 1000, 5)))
	set := b.Build()

	assert.Equal(t, 2, set.Streams())
	assert.Equal(t, [][2]int{{0, 50}}, spans(t, set, c2s, 1000, 50))
	assert.Equal(t, [][2]int{{0, 5}}, spans(t, set, s2c, 1000, 50))
}

func TestKeepRuleSet_WriteJSON(t *testing.T) {
	b := NewBuilder(nil)
	require.NoError(t, b.Add(FullRule(c2s, 1000, 50)))
	require.NoError(t, b.Add(HeaderRule(c2s, 1050, 5)))
	set := b.Build()

	var buf bytes.Buffer
	require.NoError(t, set.WriteJSON(&buf))

	var decoded struct {
		Rules   int `json:"rules"`
		Streams []struct {
			Stream string `json:"stream"`
			Base   uint32 `json:"base"`
			Rules  []struct {
				Start uint32 `json:"start"`
				End   uint32 `json:"end"`
				Kind  string `json:"kind"`
			} `json:"rules"`
		} `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 2, decoded.Rules)
	require.Len(t, decoded.Streams, 1)
	assert.Equal(t, c2s.String(), decoded.Streams[0].Stream)
	assert.Equal(t, uint32(1000), decoded.Streams[0].Base)
	assert.Equal(t, "header_only", decoded.Streams[0].Rules[1].Kind)
}
