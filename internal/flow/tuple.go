package flow

import (
	"bytes"
	"net"
)

// Tuple is the 5-tuple identifying a bidirectional conversation (§3).
type Tuple struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// Canonicalize puts the numerically smaller (address, then port) side
// first, per §4.2's canonicalisation rule, so that (src,dst) and (dst,src)
// packets of the same conversation hash to the same bucket and compare
// equal. It reports whether the tuple was flipped, i.e. whether the
// packet that produced t is traveling from the tuple's "high" side to its
// "low" side; toServer in the flow's canonical orientation is !flipped.
func Canonicalize(t Tuple) (canon Tuple, flipped bool) {
	if lowerSide(t.SrcIP, t.SrcPort, t.DstIP, t.DstPort) {
		return t, false
	}
	return Tuple{
		SrcIP:   t.DstIP,
		DstIP:   t.SrcIP,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
		Proto:   t.Proto,
	}, true
}

// lowerSide reports whether (aIP, aPort) numerically precedes (bIP, bPort).
func lowerSide(aIP net.IP, aPort uint16, bIP net.IP, bPort uint16) bool {
	if c := bytes.Compare(normalize(aIP), normalize(bIP)); c != 0 {
		return c < 0
	}
	return aPort <= bPort
}

// normalize reduces an IPv4 address to its 4-byte form (anything else to
// its 16-byte form) so compares are consistent regardless of which net.IP
// representation the decoder produced.
func normalize(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// Equal reports whether two tuples name the same conversation.
func (t Tuple) Equal(o Tuple) bool {
	return t.SrcIP.Equal(o.SrcIP) && t.DstIP.Equal(o.DstIP) &&
		t.SrcPort == o.SrcPort && t.DstPort == o.DstPort && t.Proto == o.Proto
}

// hash is an FNV-1a hash over the tuple's fields, used to select a flow
// table bucket. Deliberately simple: the bucket mutex and chain walk
// dominate lookup cost, not the hash function.
func (t Tuple) hash() uint32 {
	h := uint32(2166136261)
	mix := func(b byte) {
		h ^= uint32(b)
		h *= 16777619
	}
	for _, b := range t.SrcIP {
		mix(b)
	}
	for _, b := range t.DstIP {
		mix(b)
	}
	mix(byte(t.SrcPort))
	mix(byte(t.SrcPort >> 8))
	mix(byte(t.DstPort))
	mix(byte(t.DstPort >> 8))
	mix(t.Proto)
	return h
}
