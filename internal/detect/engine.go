package detect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowloom/sentryd/internal/packet"
	"github.com/flowloom/sentryd/internal/sets"
)

// Buffers bundles every inspected byte range a packet's detection pass
// might need: the raw payload/stream bytes plus whatever the app-layer
// parsers recovered for this message, if any (§4.5's http_uri,
// http_raw_header, tls.version predicates).
type Buffers struct {
	Payload []byte

	HasHTTP       bool
	HTTPURI       []byte
	HTTPRawHeader []byte

	HasTLS     bool
	TLSVersion string
}

func bufferFor(b Buffers, buf Buffer) ([]byte, bool) {
	switch buf {
	case BufferHTTPURI:
		return b.HTTPURI, b.HasHTTP
	case BufferHTTPRawHeader:
		return b.HTTPRawHeader, b.HasHTTP
	default:
		return b.Payload, true
	}
}

// cell is one leaf of the proto → srcaddr → dstaddr → port lookup
// (§4.5's "multi-level lookup"). sgh is shared across cells whose
// member signatures hashed to the same groupDedupKey.
type cell struct {
	protoAny bool
	proto    uint8

	srcAddrs, dstAddrs []AddrRange
	srcPorts, dstPorts []PortRange

	sgh *SigGroupHead
}

func (c *cell) matchesSelector(proto uint8, src, dst Addr, sport, dport uint16) bool {
	if !c.protoAny && c.proto != proto {
		return false
	}
	return addrRangesContain(c.srcAddrs, src) &&
		addrRangesContain(c.dstAddrs, dst) &&
		portRangesContain(c.srcPorts, sport) &&
		portRangesContain(c.dstPorts, dport)
}

var anyAddrRange = AddrRange{Lo: Addr{}, Hi: Addr{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}}

// Engine is the built detection engine: every signature indexed by its
// internal id, and the proto/address/port bucketing that resolves a
// packet's candidate SigGroupHeads (§4.5 "Offline build").
type Engine struct {
	sigsByID map[uint32]*Signature

	cellsByProto [256][]*cell
	cellsAny     []*cell

	srcTreeByProto [256]*AddressTree
	srcTreeAny     *AddressTree
}

// Build compiles a signature set into an Engine. Signatures sharing an
// identical address/port/protocol selector are bucketed into the same
// cell; cells whose members hash to the same content-pattern membership
// share one SigGroupHead (§4.5's group de-duplication).
func Build(sigs []*Signature) *Engine {
	e := &Engine{sigsByID: make(map[uint32]*Signature, len(sigs))}

	cellsBySelector := make(map[string]*cell)
	var order []string
	for _, s := range sigs {
		e.sigsByID[s.SigIntID] = s
		key := selectorKey(s)
		if _, ok := cellsBySelector[key]; !ok {
			order = append(order, key)
			cellsBySelector[key] = &cell{
				protoAny: s.ProtoAny,
				proto:    s.Proto,
				srcAddrs: s.SrcAddrs,
				dstAddrs: s.DstAddrs,
				srcPorts: s.SrcPorts,
				dstPorts: s.DstPorts,
			}
		}
	}

	membersBySelector := make(map[string][]*Signature)
	for _, s := range sigs {
		key := selectorKey(s)
		membersBySelector[key] = append(membersBySelector[key], s)
	}

	sghByDedupKey := make(map[string]*SigGroupHead)
	for _, key := range order {
		c := cellsBySelector[key]
		members := membersBySelector[key]
		dedupKey := groupDedupKey(members)
		sgh, ok := sghByDedupKey[dedupKey]
		if !ok {
			sgh = buildSigGroupHead(members)
			sghByDedupKey[dedupKey] = sgh
		}
		c.sgh = sgh

		e.addCell(c)
	}

	return e
}

func (e *Engine) addCell(c *cell) {
	var tree **AddressTree
	var bucket *[]*cell
	if c.protoAny {
		tree = &e.srcTreeAny
		bucket = &e.cellsAny
	} else {
		tree = &e.srcTreeByProto[c.proto]
		bucket = &e.cellsByProto[c.proto]
	}
	if *tree == nil {
		*tree = NewAddressTree()
	}

	idx := uint32(len(*bucket))
	*bucket = append(*bucket, c)

	ranges := c.srcAddrs
	if len(ranges) == 0 {
		ranges = []AddrRange{anyAddrRange}
	}
	for _, r := range ranges {
		(*tree).Insert(r.Lo, r.Hi, idx)
	}
}

// resolveCells narrows to the cells whose selector contains the 5-tuple.
func (e *Engine) resolveCells(proto uint8, src, dst Addr, sport, dport uint16) []*cell {
	var out []*cell
	if e.srcTreeByProto[proto] != nil {
		for _, idx := range e.srcTreeByProto[proto].Lookup(src) {
			c := e.cellsByProto[proto][idx]
			if c.matchesSelector(proto, src, dst, sport, dport) {
				out = append(out, c)
			}
		}
	}
	if e.srcTreeAny != nil {
		for _, idx := range e.srcTreeAny.Lookup(src) {
			c := e.cellsAny[idx]
			if c.matchesSelector(proto, src, dst, sport, dport) {
				out = append(out, c)
			}
		}
	}
	return out
}

// Evaluate resolves the packet's SigGroupHeads, runs each one's MPM scan
// over buffers.Payload, and confirms every surviving candidate's full
// match list (§4.5 steps 1-3). Alerts are returned in ascending SigIntID
// order.
func (e *Engine) Evaluate(proto uint8, src, dst Addr, sport, dport uint16, buffers Buffers, flow FlowState) []packet.Alert {
	candidates := e.resolveCells(proto, src, dst, sport, dport)
	if len(candidates) == 0 {
		return nil
	}

	candidateSigIDs := sets.NewOrderedSet[uint32]()
	for _, c := range candidates {
		for _, sid := range c.sgh.Signatures {
			sig := e.sigsByID[sid]
			if sig.Flags&FlagMpmEligible == 0 {
				candidateSigIDs.Insert(sid)
			}
		}
		c.sgh.Mpm.Scan(buffers.Payload, func(patID uint32, _ int) bool {
			for _, sid := range c.sgh.Signatures {
				if sigOwnsPattern(e.sigsByID[sid], patID) {
					candidateSigIDs.Insert(sid)
				}
			}
			return true
		})
	}

	// AsSlice both dedups and orders ascending, which is the alert-
	// ordering guarantee §4.5 scenario 3 asks for (ascending SigIntID).
	ordered := candidateSigIDs.AsSlice()

	var alerts []packet.Alert
	for _, sid := range ordered {
		sig := e.sigsByID[sid]
		ok, matchBytes := evalSignature(sig, proto, buffers, flow)
		if !ok {
			continue
		}
		alerts = append(alerts, packet.Alert{
			SigIntID:   sig.SigIntID,
			GID:        sig.GID,
			SID:        sig.SID,
			Rev:        sig.Rev,
			ClassID:    sig.ClassID,
			Priority:   sig.Priority,
			Msg:        sig.Msg,
			MatchBytes: matchBytes,
			Action:     sig.Action,
		})
	}
	return alerts
}

func sigOwnsPattern(sig *Signature, patID uint32) bool {
	for _, me := range sig.Match {
		if me.Kind == MatchContent && me.Content.Buffer == BufferPacket && me.Content.ID == patID {
			return true
		}
	}
	return false
}

// evalSignature walks a signature's match list in order, chaining
// content offsets as it goes; any element that fails abandons the
// signature (§4.5 step 3).
func evalSignature(sig *Signature, proto uint8, buffers Buffers, flow FlowState) (ok bool, matchBytes int64) {
	prevEnd := 0
	havePrev := false

	for _, me := range sig.Match {
		switch me.Kind {
		case MatchContent:
			buf, available := bufferFor(buffers, me.Content.Buffer)
			if !available {
				return false, 0
			}
			end, hit := evalContent(buf, me.Content, prevEnd, havePrev)
			if !hit {
				return false, 0
			}
			prevEnd, havePrev = end, true
			matchBytes += int64(len(me.Content.Bytes))

		case MatchPCRE:
			buf, available := bufferFor(buffers, me.PCRE.Buffer)
			if !available || !me.PCRE.Re.Match(buf) {
				return false, 0
			}

		case MatchIPProto:
			if !evalIPProto(proto, me.IPProto) {
				return false, 0
			}

		case MatchFlow:
			if !evalFlow(me.Flow, flow) {
				return false, 0
			}

		case MatchTLSVersion:
			if !buffers.HasTLS || !evalTLSVersion(me.TLSVersion, buffers.TLSVersion) {
				return false, 0
			}
		}
	}
	return true, matchBytes
}

// selectorKey canonicalizes a signature's declared proto/address/port
// selector so signatures sharing one literally identical selector land
// in the same cell.
func selectorKey(s *Signature) string {
	var b strings.Builder
	if s.ProtoAny {
		b.WriteString("proto:any;")
	} else {
		fmt.Fprintf(&b, "proto:%d;", s.Proto)
	}
	b.WriteString("src:")
	writeAddrRanges(&b, s.SrcAddrs)
	b.WriteString(";dst:")
	writeAddrRanges(&b, s.DstAddrs)
	b.WriteString(";sport:")
	writePortRanges(&b, s.SrcPorts)
	b.WriteString(";dport:")
	writePortRanges(&b, s.DstPorts)
	return b.String()
}

func writeAddrRanges(b *strings.Builder, ranges []AddrRange) {
	sorted := append([]AddrRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return compareAddr(sorted[i].Lo, sorted[j].Lo) < 0 })
	for _, r := range sorted {
		fmt.Fprintf(b, "%x-%x,", r.Lo, r.Hi)
	}
}

func writePortRanges(b *strings.Builder, ranges []PortRange) {
	sorted := append([]PortRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })
	for _, r := range sorted {
		fmt.Fprintf(b, "%d-%d,", r.Lo, r.Hi)
	}
}
