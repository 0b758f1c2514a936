// Package verdict is the Verdict/response stage (§4.6): for inline
// sources it translates a packet's accept/drop/reject action bits into
// the source's verdict primitive, synthesising a TCP reset or ICMP
// unreachable for REJECT, and defers verdict delivery on tunnel packets
// until every inner sibling has one.
package verdict

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/flowloom/sentryd/internal/packet"
	"github.com/flowloom/sentryd/internal/source"
)

// Translate maps a packet's action bitfield to the source-level verdict
// primitive (§4.6). REJECT and DROP are both translated to VerdictDrop at
// the source: REJECT additionally synthesises a reset/unreachable packet
// (see Reject below) that the caller injects separately.
func Translate(action packet.Action) source.Verdict {
	switch {
	case action&packet.ActionDrop != 0, action&packet.ActionReject != 0:
		return source.VerdictDrop
	default:
		return source.VerdictAccept
	}
}

// Verdictor is the subset of source.Source this package depends on, so
// callers (and tests) don't need to satisfy the full packet-source plugin
// contract just to deliver a verdict.
type Verdictor interface {
	Verdict(pkt source.RawPacket, v source.Verdict) error
}

// Deliver applies pkt's verdict to src, honoring tunnel deferral (§4.6):
// a tunnel root packet's own verdict isn't delivered to the source until
// every inner packet spawned from it has received one. Inner packets
// always deliver immediately and bump their root's TunnelVerdict counter.
func Deliver(src Verdictor, raw source.RawPacket, pkt *packet.Packet) error {
	if pkt.Root != nil {
		pkt.Root.TunnelVerdict++
		return src.Verdict(raw, Translate(pkt.Action))
	}
	if pkt.IsTunnelRoot() && !pkt.TunnelResolved() {
		return nil
	}
	return src.Verdict(raw, Translate(pkt.Action))
}

// Reject synthesises the reset or ICMP-unreachable packet a REJECT action
// requires (§4.6). TCP packets get a spoofed RST with swapped
// addresses/ports and an acknowledgment sequence that terminates the
// session from the source's perspective; everything else gets an IPv4
// ICMP port-unreachable addressed back at the sender. No ICMPv6 or
// protocol-unreachable packet is built.
func Reject(pkt *packet.Packet) ([]byte, error) {
	if pkt.Proto == 6 && pkt.TCP != nil {
		return synthesizeReset(pkt)
	}
	return synthesizeUnreachable(pkt)
}

func synthesizeReset(pkt *packet.Packet) ([]byte, error) {
	ip, ipLayer := ipLayers(pkt, layers.IPProtocolTCP)

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(pkt.DstPort),
		DstPort: layers.TCPPort(pkt.SrcPort),
		Seq:     pkt.TCP.Ack,
		Ack:     pkt.TCP.Seq + uint32(len(pkt.Payload)),
		RST:     true,
		ACK:     true,
		Window:  0,
	}
	if err := tcp.SetNetworkLayerForChecksum(ipLayer); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func synthesizeUnreachable(pkt *packet.Packet) ([]byte, error) {
	ip, _ := ipLayers(pkt, layers.IPProtocol(1))

	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := gopacket.Payload(pkt.Payload)
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ipLayers builds the swapped-direction IPv4 header (destination becomes
// source) carrying proto, returning both the concrete layer (for
// serialization) and its gopacket.NetworkLayer view (for TCP checksum
// pseudo-header computation).
func ipLayers(pkt *packet.Packet, proto layers.IPProtocol) (*layers.IPv4, gopacket.NetworkLayer) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    pkt.DstIP,
		DstIP:    pkt.SrcIP,
		Protocol: proto,
	}
	return ip, ip
}
