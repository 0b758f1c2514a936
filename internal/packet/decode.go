package packet

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/flowloom/sentryd/internal/source"
)

func linkLayerType(d source.Datalink) gopacket.LayerType {
	switch d {
	case source.DatalinkLinuxSLL:
		return layers.LayerTypeLinuxSLL
	case source.DatalinkPPP:
		return layers.LayerTypePPP
	case source.DatalinkRaw:
		return layers.LayerTypeIPv4
	default:
		return layers.LayerTypeEthernet
	}
}

// Decode fills pkt's decoded-header view from raw bytes captured off
// datalink. Per §7, a decode failure at any layer is recorded as an event
// and processing continues with whatever layers did parse — it is never
// treated as fatal to the packet.
func Decode(pkt *Packet, raw []byte, dl source.Datalink, ci gopacket.CaptureInfo) {
	pkt.Raw = raw
	pkt.Datalink = dl
	pkt.Timestamp = ci.Timestamp
	pkt.CaptureLen = ci.CaptureLength
	pkt.WireLen = ci.Length

	if len(raw) == 0 {
		pkt.SetEvent(EventDecodeTooShort)
		return
	}

	gp := gopacket.NewPacket(raw, linkLayerType(dl), gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	pkt.decoded = gp

	if errLayer := gp.ErrorLayer(); errLayer != nil {
		pkt.SetEvent(EventDecodeTooShort)
	}

	decodeNetwork(pkt, gp)
}

func decodeNetwork(pkt *Packet, gp gopacket.Packet) {
	if v4, ok := gp.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		pkt.IPVersion = 4
		pkt.Proto = uint8(v4.Protocol)
		pkt.SrcIP = v4.SrcIP
		pkt.DstIP = v4.DstIP

		if hdr := v4.LayerContents(); len(hdr) >= 20 && !verifyIPv4Checksum(hdr) {
			pkt.SetEvent(EventDecodeBadChecksum)
		}
		decodeTransport(pkt, gp, v4.SrcIP.To4(), v4.DstIP.To4())
		return
	}

	if v6, ok := gp.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		pkt.IPVersion = 6
		pkt.Proto = uint8(v6.NextHeader)
		pkt.SrcIP = v6.SrcIP
		pkt.DstIP = v6.DstIP
		decodeTransport(pkt, gp, v6.SrcIP.To16(), v6.DstIP.To16())
		return
	}

	pkt.SetEvent(EventDecodeTooShort)
}

func decodeTransport(pkt *Packet, gp gopacket.Packet, srcIP, dstIP []byte) {
	switch pkt.Proto {
	case 6: // TCP
		tcp, ok := gp.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			pkt.SetEvent(EventDecodeTooShort)
			return
		}
		pkt.TCP = tcp
		pkt.SrcPort = uint16(tcp.SrcPort)
		pkt.DstPort = uint16(tcp.DstPort)
		pkt.Payload = tcp.LayerPayload()

		segment := append(append([]byte{}, tcp.LayerContents()...), tcp.LayerPayload()...)
		if srcIP != nil && !verifyTransportChecksum(srcIP, dstIP, pkt.Proto, segment) {
			pkt.SetEvent(EventDecodeBadChecksum)
		}

	case 17: // UDP
		udp, ok := gp.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			pkt.SetEvent(EventDecodeTooShort)
			return
		}
		pkt.SrcPort = uint16(udp.SrcPort)
		pkt.DstPort = uint16(udp.DstPort)
		pkt.Payload = udp.LayerPayload()

		segment := append(append([]byte{}, udp.LayerContents()...), udp.LayerPayload()...)
		if srcIP != nil && udp.Checksum != 0 && !verifyTransportChecksum(srcIP, dstIP, pkt.Proto, segment) {
			pkt.SetEvent(EventDecodeBadChecksum)
		}

	case 1: // ICMPv4
		if icmp, ok := gp.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
			pkt.Payload = icmp.LayerPayload()
		}

	case 58: // ICMPv6
		if icmp, ok := gp.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
			pkt.Payload = icmp.LayerPayload()
		}

	default:
		// Unhandled IP protocol: not an error, just nothing further to
		// decode. Rules matching on ip_proto still see Proto/SrcIP/DstIP.
	}
}
