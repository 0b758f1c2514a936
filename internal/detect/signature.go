// Package detect is the detection engine (§4.5): it bucket-builds
// signatures into SigGroupHeads at init time, resolves a packet's
// applicable group at match time, runs the multi-pattern matcher over
// payload and reassembled stream messages, and confirms surviving
// candidates against each signature's full match list.
package detect

import (
	"regexp"

	"github.com/flowloom/sentryd/internal/packet"
)

// Buffer names which inspected byte range a content or pcre match
// element reads from.
type Buffer uint8

const (
	BufferPacket Buffer = iota
	BufferHTTPURI
	BufferHTTPRawHeader
)

// ContentPattern is a signature's atomic byte needle (§3's "Content
// pattern"). ID is assigned at engine-build time and is the identifier
// threaded through mpm.Pattern / mpm.ConfirmAt / mpm.FindChained.
type ContentPattern struct {
	ID     uint32
	Bytes  []byte
	Nocase bool
	Buffer Buffer

	HasOffset, HasDepth     bool
	Offset, Depth           int
	HasDistance, HasWithin  bool
	Distance, Within        int
}

// PCREPattern is a regexp match element. Go's regexp package is RE2, not
// backtracking PCRE — §9's Open Question resolution accepts the subset of
// flags RE2 can express (i, s, m, x) and rejects rules needing R or B at
// compile time; see ErrUnsupportedPCREFlag.
type PCREPattern struct {
	Re     *regexp.Regexp
	Buffer Buffer
}

// IPProtoCmp is detect-ipproto.c's comparison mode.
type IPProtoCmp uint8

const (
	IPProtoEQ IPProtoCmp = iota
	IPProtoLT
	IPProtoGT
)

// IPProtoPredicate implements `ip_proto:[!<>]?<name-or-num>`.
type IPProtoPredicate struct {
	Negate bool
	Cmp    IPProtoCmp
	Proto  uint8
}

// FlowPredicate implements `flow:<established|to_server|to_client|stateless>`.
type FlowPredicate struct {
	Established bool
	ToServer    bool
	ToClient    bool
	Stateless   bool
}

// TLSVersionPredicate implements `tls.version:{1.0|1.1|1.2}`.
type TLSVersionPredicate struct {
	Version string
}

// MatchKind tags which field of MatchElement is populated.
type MatchKind uint8

const (
	MatchContent MatchKind = iota
	MatchPCRE
	MatchIPProto
	MatchFlow
	MatchTLSVersion
)

// MatchElement is one entry in a Signature's ordered match list (§3).
type MatchElement struct {
	Kind MatchKind

	Content    *ContentPattern
	PCRE       *PCREPattern
	IPProto    *IPProtoPredicate
	Flow       *FlowPredicate
	TLSVersion *TLSVersionPredicate
}

// PortRange is an inclusive port interval; nil on a Signature's
// SrcPorts/DstPorts means "any port".
type PortRange struct {
	Lo, Hi uint16
}

func (r PortRange) Contains(port uint16) bool {
	return port >= r.Lo && port <= r.Hi
}

// SigFlags mirrors the precomputed bits spec.md §3 names on Signature.
type SigFlags uint8

const (
	FlagMpmEligible SigFlags = 1 << iota
	FlagAppLayer
	FlagRecursive
)

// Signature is one compiled rule (§3). SigIntID is assigned at build
// time and is what SigGroupHead membership, alerts, and MPM candidate
// reporting all key off internally; GID/SID/Rev are the external,
// wire-format identifiers carried into alerts and the unified-alert
// binary record, never renumbered.
type Signature struct {
	SigIntID uint32

	GID, SID, Rev uint32
	ClassID       uint32
	Priority      uint32
	Msg           string

	// Action is this rule's own alert/drop/reject disposition (§4.5:
	// "respect the per-signature action"). ActionAccept means alert-only:
	// the match is recorded but never escalates the packet's verdict.
	Action packet.Action

	ProtoAny bool
	Proto    uint8

	SrcAddrs, DstAddrs []AddrRange // nil means "any"
	SrcPorts, DstPorts []PortRange // nil means "any"

	Match []MatchElement
	Flags SigFlags
}

func (s *Signature) matchesProto(proto uint8) bool {
	return s.ProtoAny || s.Proto == proto
}

func addrRangesContain(ranges []AddrRange, a Addr) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.Contains(a) {
			return true
		}
	}
	return false
}

func portRangesContain(ranges []PortRange, port uint16) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

// Matches reports whether the 5-tuple falls inside this signature's
// declared address/port/protocol selector, independent of its match list.
func (s *Signature) Matches(proto uint8, src, dst Addr, sport, dport uint16) bool {
	return s.matchesProto(proto) &&
		addrRangesContain(s.SrcAddrs, src) &&
		addrRangesContain(s.DstAddrs, dst) &&
		portRangesContain(s.SrcPorts, sport) &&
		portRangesContain(s.DstPorts, dport)
}
