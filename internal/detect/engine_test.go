package detect

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipv4(s string) Addr { return AddrFromIP(net.ParseIP(s)) }

func contentSig(id, sid, patID uint32, bytes string, nocase bool) *Signature {
	return &Signature{
		SigIntID: id,
		GID:      1,
		SID:      sid,
		Rev:      1,
		Priority: 3,
		ProtoAny: true,
		Flags:    FlagMpmEligible,
		Match: []MatchElement{{
			Kind: MatchContent,
			Content: &ContentPattern{
				ID:     patID,
				Bytes:  []byte(bytes),
				Nocase: nocase,
				Buffer: BufferPacket,
			},
		}},
	}
}

func TestMpmScanHitEmitsAlertsInSidOrder(t *testing.T) {
	// Scenario 3 from spec.md §8: patterns "abcd"/"bcde"/"fghj" (sid 1,2,3),
	// payload "abcdefghjiklmnopqrstuvwxyz" should fire all three in sid order.
	sigs := []*Signature{
		contentSig(1, 1, 101, "abcd", false),
		contentSig(2, 2, 102, "bcde", false),
		contentSig(3, 3, 103, "fghj", false),
	}
	e := Build(sigs)

	alerts := e.Evaluate(6, ipv4("10.0.0.1"), ipv4("10.0.0.2"), 1234, 80,
		Buffers{Payload: []byte("abcdefghjiklmnopqrstuvwxyz")}, FlowState{})

	require.Len(t, alerts, 3)
	assert.Equal(t, uint32(1), alerts[0].SID)
	assert.Equal(t, uint32(2), alerts[1].SID)
	assert.Equal(t, uint32(3), alerts[2].SID)
}

func TestNoMatchProducesNoAlert(t *testing.T) {
	sigs := []*Signature{contentSig(1, 1, 101, "needle", false)}
	e := Build(sigs)

	alerts := e.Evaluate(6, ipv4("10.0.0.1"), ipv4("10.0.0.2"), 1234, 80,
		Buffers{Payload: []byte("haystack with no match here")}, FlowState{})
	assert.Empty(t, alerts)
}

func TestAddressSelectorExcludesNonMatchingTraffic(t *testing.T) {
	sig := contentSig(1, 1, 101, "needle", false)
	sig.ProtoAny = false
	sig.Proto = 6
	sig.SrcAddrs = []AddrRange{{Lo: ipv4("10.0.0.0"), Hi: ipv4("10.0.0.255")}}
	e := Build([]*Signature{sig})

	alerts := e.Evaluate(6, ipv4("192.168.1.1"), ipv4("10.0.0.2"), 1234, 80,
		Buffers{Payload: []byte("needle")}, FlowState{})
	assert.Empty(t, alerts, "source address outside the signature's declared range must not match")

	alerts = e.Evaluate(6, ipv4("10.0.0.5"), ipv4("10.0.0.2"), 1234, 80,
		Buffers{Payload: []byte("needle")}, FlowState{})
	assert.Len(t, alerts, 1)
}

func TestNocaseMatchOnHTTPRawHeaderBuffer(t *testing.T) {
	// Unit-level check that nocase matching against http_raw_header works
	// once the buffer is populated; this does not exercise reassembly. The
	// scenario 4 end-to-end case (spec.md §8) — two TCP segments split mid
	// header, joined by the real reassembler and HTTP parser before this
	// buffer is built — lives in internal/engine's
	// TestCrossBoundaryHTTPHeaderMatchesAfterReassembly.
	sig := &Signature{
		SigIntID: 1,
		SID:      4,
		Rev:      1,
		ProtoAny: true,
		Match: []MatchElement{{
			Kind: MatchContent,
			Content: &ContentPattern{
				ID:     201,
				Bytes:  []byte("firefox/3.5.7\r\ncontent"),
				Nocase: true,
				Buffer: BufferHTTPRawHeader,
			},
		}},
	}
	e := Build([]*Signature{sig})

	alerts := e.Evaluate(6, ipv4("10.0.0.1"), ipv4("10.0.0.2"), 1234, 80, Buffers{
		Payload:       []byte("irrelevant packet bytes"),
		HasHTTP:       true,
		HTTPRawHeader: []byte("User-Agent: Firefox/3.5.7\r\nContent-Type: text/html\r\n"),
	}, FlowState{})

	require.Len(t, alerts, 1)
	assert.Equal(t, uint32(4), alerts[0].SID)
}

func TestDistanceWithinChainMustBeSatisfied(t *testing.T) {
	sig := &Signature{
		SigIntID: 1,
		SID:      5,
		ProtoAny: true,
		Match: []MatchElement{
			{Kind: MatchContent, Content: &ContentPattern{ID: 301, Bytes: []byte("AAAA"), Buffer: BufferPacket}},
			{Kind: MatchContent, Content: &ContentPattern{
				ID: 302, Bytes: []byte("BBBB"), Buffer: BufferPacket,
				HasDistance: true, Distance: 2,
				HasWithin: true, Within: 4,
			}},
		},
	}
	e := Build([]*Signature{sig})

	// "BBBB" starts 2 bytes after "AAAA" ends: inside the distance 2 +
	// within 4 window for its start offset.
	alerts := e.Evaluate(6, ipv4("10.0.0.1"), ipv4("10.0.0.2"), 1, 1,
		Buffers{Payload: []byte("AAAA--BBBB")}, FlowState{})
	assert.Len(t, alerts, 1)

	// Too far away: distance+within window doesn't reach it.
	alerts = e.Evaluate(6, ipv4("10.0.0.1"), ipv4("10.0.0.2"), 1, 1,
		Buffers{Payload: []byte("AAAA----------BBBB")}, FlowState{})
	assert.Empty(t, alerts)
}

func TestFlowPredicateGatesMatch(t *testing.T) {
	sig := &Signature{
		SigIntID: 1,
		SID:      6,
		ProtoAny: true,
		Match: []MatchElement{
			{Kind: MatchFlow, Flow: &FlowPredicate{Established: true, ToServer: true}},
			{Kind: MatchContent, Content: &ContentPattern{ID: 401, Bytes: []byte("GET"), Buffer: BufferPacket}},
		},
	}
	e := Build([]*Signature{sig})

	alerts := e.Evaluate(6, ipv4("10.0.0.1"), ipv4("10.0.0.2"), 1, 1,
		Buffers{Payload: []byte("GET / HTTP/1.1")}, FlowState{Established: false, ToServer: true})
	assert.Empty(t, alerts, "flow:established must gate the match when no session is established")

	alerts = e.Evaluate(6, ipv4("10.0.0.1"), ipv4("10.0.0.2"), 1, 1,
		Buffers{Payload: []byte("GET / HTTP/1.1")}, FlowState{Established: true, ToServer: true})
	assert.Len(t, alerts, 1)
}

func TestGroupDedupSharesMpmContext(t *testing.T) {
	// Two signatures with an identical selector collapse into a single
	// cell, so they share one SigGroupHead and its MPM context.
	a := contentSig(1, 1, 101, "needle", false)
	b := contentSig(2, 2, 101, "needle", false)
	e := Build([]*Signature{a, b})

	require.Len(t, e.cellsAny, 1, "identical selectors must collapse into one cell")
}

func TestPCRECompileRejectsUnsupportedFlags(t *testing.T) {
	_, err := CompilePCRE(`foo.*bar`, "R", BufferPacket)
	assert.Error(t, err)

	_, err = CompilePCRE(`foo.*bar`, "B", BufferPacket)
	assert.Error(t, err)

	p, err := CompilePCRE(`foo \d+ bar # trailing comment`, "ix", BufferPacket)
	require.NoError(t, err)
	assert.True(t, p.Re.MatchString("FOO123bar"))
}
