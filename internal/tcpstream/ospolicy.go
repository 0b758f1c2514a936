package tcpstream

// OSPolicy selects how a side of a TCP session resolves reset validity and
// segment overlap, mirroring what different kernel TCP stacks actually
// accept (§4.3). Grounded on original_source/src/stream-tcp.c's ValidReset,
// which groups OS_POLICY_* values into three reset-validity behaviors;
// overlap-resolution grouping follows the same family split since the
// retrieved original source doesn't carry the reassembly-side policy table.
type OSPolicy uint8

const (
	OSPolicyBSD OSPolicy = iota
	OSPolicyHPUX10
	OSPolicyHPUX11
	OSPolicyIRIX
	OSPolicyLinux
	OSPolicyOldLinux
	OSPolicyMacOS
	OSPolicySolaris
	OSPolicyWindows
	OSPolicyWindows2K3
	OSPolicyVista
	OSPolicyFirst
	OSPolicyLast
)

// resetValidityGroup buckets the policies the way ValidReset does: most
// stacks require an exact sequence match, HPUX11 accepts anything at or
// past next_seq, and the Linux/Solaris family accepts a reset anywhere
// inside the current receive window.
type resetValidityGroup uint8

const (
	resetExactSeq resetValidityGroup = iota
	resetGEQSeq
	resetWithinWindow
)

func (p OSPolicy) resetGroup() resetValidityGroup {
	switch p {
	case OSPolicyHPUX11:
		return resetGEQSeq
	case OSPolicyOldLinux, OSPolicyLinux, OSPolicySolaris:
		return resetWithinWindow
	default:
		return resetExactSeq
	}
}

// validReset reports whether a RST carrying seq is acceptable for a side
// currently expecting nextSeq, with the given last-ACK'd sequence and
// advertised window (needed only by the within-window group).
func (p OSPolicy) validReset(seq, nextSeq, lastAck Seq, window uint32, payloadLen int) bool {
	switch p.resetGroup() {
	case resetExactSeq:
		return seqEQ(seq, nextSeq)
	case resetGEQSeq:
		return seqGE(seq, nextSeq)
	case resetWithinWindow:
		end := Seq(uint32(seq) + uint32(payloadLen))
		if !seqGE(end, lastAck) {
			return false
		}
		return seqLT(seq, Seq(uint32(nextSeq)+window))
	default:
		return false
	}
}

// overlapPolicy decides, for bytes an incoming segment and an already
// buffered segment both cover, which one the reassembled stream keeps.
type overlapPolicy uint8

const (
	overlapOldWins overlapPolicy = iota // BSD/Windows-family stacks discard the new arrival on overlap
	overlapNewWins                      // Linux/Solaris-family stacks let the newest arrival win
)

func (p OSPolicy) overlapPolicy() overlapPolicy {
	switch p {
	case OSPolicyOldLinux, OSPolicyLinux, OSPolicySolaris:
		return overlapNewWins
	default:
		return overlapOldWins
	}
}
