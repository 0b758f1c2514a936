// Package packet defines the unit that flows through the pipeline (§3):
// raw bytes, a decoded-header view, a timestamp, a post-flow-attachment
// direction flag, an action bitfield, and an ordered alert list. Packets
// are created only from a pool.Pool[*Packet] and returned to it at the
// output stage (§2 stage 8), never elsewhere — the §8 packet-conservation
// invariant (pool_alloc_count == pool_return_count) depends on that
// discipline being followed by every stage.
package packet

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/flowloom/sentryd/internal/applayer"
	"github.com/flowloom/sentryd/internal/flow"
	"github.com/flowloom/sentryd/internal/gid"
	"github.com/flowloom/sentryd/internal/source"
)

// Action is the per-packet verdict bitfield (§3, §4.6).
type Action uint8

const (
	ActionAccept Action = 0
	ActionDrop   Action = 1 << iota
	ActionReject
)

// EventFlag records a non-fatal anomaly observed while processing a packet
// (§7: decode/stream errors are never fatal — they're recorded so rules
// can fire on the anomaly and the packet still proceeds).
type EventFlag uint16

const (
	EventDecodeTooShort EventFlag = 1 << iota
	EventDecodeBadChecksum
	EventTCPInvalidSequence
	EventTCPInvalidReset
	EventTCPInvalidAck
	EventStreamGap
)

// Alert is produced by the detection stage (§3): it references the firing
// signature by its wire identifiers (not a *detect.Signature pointer, to
// avoid this package depending on internal/detect) plus the match
// position.
type Alert struct {
	SigIntID   uint32 // internal ascending id, for §4.5's tie-break ordering
	GID        uint32
	SID        uint32
	Rev        uint32
	ClassID    uint32
	Priority   uint32
	Msg        string
	MatchBytes int64 // byte offset of the match within the matched buffer

	// Action is the firing signature's own alert/drop/reject disposition
	// (§4.5). The verdict stage combines every fired alert's Action into
	// the packet's own Action, most severe wins.
	Action Action
}

// Packet is the unit that flows through the pipeline.
type Packet struct {
	// Raw holds (or borrows, for the packet's lifetime, from a
	// source-provided frame) the captured bytes.
	Raw []byte

	Timestamp  time.Time
	CaptureLen int
	WireLen    int

	decoded gopacket.Packet

	Datalink   source.Datalink
	IPVersion  uint8
	Proto      uint8 // IP protocol number
	SrcIP      net.IP
	DstIP      net.IP
	SrcPort    uint16
	DstPort    uint16
	Payload    []byte // transport-layer payload

	TCP *layers.TCP

	Flow     *flow.Flow
	ToServer bool // valid only once Flow != nil

	Action Action
	Events EventFlag
	Alerts []Alert

	// AppEvents holds the normalized application-layer events a stream
	// protocol parser produced for this packet's reassembled message, if
	// any (§6's HTTP/TLS/SMB plug-ins). Consumed by detect predicates and
	// by loggers that extract protocol-specific fields (internal/output's
	// flat HTTP log).
	AppEvents []applayer.Event

	// Tunnel support (§4.6): a tunnel packet defers verdict until every
	// inner sibling has one. Root carries the outstanding count; inner
	// packets point back at Root.
	Root          *Packet
	TunnelInner   int32 // count of inner packets spawned from this packet
	TunnelVerdict int32 // count of inner packets that have a verdict

	// SourceHandle is the originating source.RawPacket.Handle, carried
	// through the pipeline so the output/verdict stage can deliver a
	// verdict back to the source that produced this packet (§4.6)
	// without every intermediate stage needing to know about sources.
	SourceHandle interface{}

	id gid.FlowID // scratch identifier assigned at acquisition, for log correlation
}

// Reset clears a Packet for reuse from the pool. Every field a previous
// user could have set must be cleared here, or pool reuse would leak
// state across unrelated packets — the kind of bug the §8 packet-
// conservation invariant is meant to surface.
func (p *Packet) Reset() {
	p.Raw = p.Raw[:0]
	p.Timestamp = time.Time{}
	p.CaptureLen, p.WireLen = 0, 0
	p.decoded = nil
	p.Datalink = source.DatalinkEthernet
	p.IPVersion = 0
	p.Proto = 0
	p.SrcIP, p.DstIP = nil, nil
	p.SrcPort, p.DstPort = 0, 0
	p.Payload = nil
	p.TCP = nil
	p.Flow = nil
	p.ToServer = false
	p.Action = ActionAccept
	p.Events = 0
	p.Alerts = p.Alerts[:0]
	p.AppEvents = p.AppEvents[:0]
	p.Root = nil
	p.TunnelInner, p.TunnelVerdict = 0, 0
	p.SourceHandle = nil
}

// SetEvent records a non-fatal anomaly (§7).
func (p *Packet) SetEvent(e EventFlag) { p.Events |= e }

// HasEvent reports whether e was recorded on this packet.
func (p *Packet) HasEvent(e EventFlag) bool { return p.Events&e != 0 }

// AddAlert appends a fired alert. Detection emits these in ascending
// SigIntID order (§4.5), so callers must already have sorted candidates
// before calling AddAlert in sequence.
func (p *Packet) AddAlert(a Alert) { p.Alerts = append(p.Alerts, a) }

// IsTunnelRoot reports whether this packet carries unresolved inner
// packets awaiting verdict (§4.6).
func (p *Packet) IsTunnelRoot() bool { return p.Root == nil && p.TunnelInner > 0 }

// TunnelResolved reports whether every inner sibling spawned from this
// root has received a verdict.
func (p *Packet) TunnelResolved() bool { return p.TunnelVerdict >= p.TunnelInner }
