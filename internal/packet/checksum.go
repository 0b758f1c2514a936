package packet

import "encoding/binary"

// internetChecksum computes the one's-complement-of-one's-complement-sum
// checksum (RFC 1071) used by IPv4, TCP, and UDP. Called on the raw wire
// bytes rather than re-derived from gopacket's parsed struct fields, since
// gopacket.layers doesn't itself validate checksums on decode.
func internetChecksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// verifyIPv4Checksum reports whether hdr (the IPv4 header, options
// included, checksum field intact) is internally consistent.
func verifyIPv4Checksum(hdr []byte) bool {
	if len(hdr) < 20 {
		return false
	}
	return internetChecksum(hdr) == 0
}

// pseudoHeaderSum accumulates the IPv4/IPv6 pseudo-header contribution to a
// TCP/UDP checksum: source and destination address, zero/next-header byte,
// protocol, and segment length.
func pseudoHeaderSum(srcIP, dstIP []byte, proto uint8, length int) uint32 {
	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
	}
	add(srcIP)
	add(dstIP)
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// verifyTransportChecksum reports whether a TCP or UDP segment's checksum
// field is consistent with its pseudo-header and payload. segment is the
// full transport-layer header+payload as captured off the wire.
func verifyTransportChecksum(srcIP, dstIP []byte, proto uint8, segment []byte) bool {
	if len(segment) < 8 {
		return false
	}
	pseudo := pseudoHeaderSum(srcIP, dstIP, proto, len(segment))

	var sum uint32 = pseudo
	n := len(segment)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(segment[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(segment[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum) == 0
}
