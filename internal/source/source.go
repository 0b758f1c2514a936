// Package source declares the packet-source plugin contract (§6) and
// ships the concrete sources an offline/IPS engine needs day one.
//
// Grounded on the teacher's pcap/pcap_wrapper.go and pcap/reader.go (the
// file/live pcapWrapper split and its done-channel capture loop), widened
// into the full source lifecycle spec.md §6 names: thread_init, poll,
// verdict, thread_deinit.
package source

import (
	"context"
	"time"

	"github.com/google/gopacket"
)

// Datalink enumerates the link-layer framings the decoder dispatches on.
type Datalink int

const (
	DatalinkEthernet Datalink = iota
	DatalinkLinuxSLL
	DatalinkPPP
	DatalinkRaw
)

// Verdict is the inline accept/drop/reject decision communicated back to an
// inline source (NFQ/AF_PACKET in IPS mode). Offline/passive sources ignore it.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictDrop
	VerdictReject
)

// RawPacket is what a Source hands to the decoder: the captured bytes plus
// capture metadata. The decoder stage is responsible for turning this into
// a pool-backed packet.Packet.
type RawPacket struct {
	Data     []byte
	CI       gopacket.CaptureInfo
	Datalink Datalink

	// Handle identifies the packet to this source's Verdict method. Offline
	// sources leave it nil.
	Handle interface{}
}

// Source is the plugin contract external packet-source drivers implement.
// thread_init/thread_deinit are modeled as Go's usual Open/Close instead of
// a config-in/state-out pair, since Go doesn't need an explicit state
// handle threaded back through every call the way the C ABI did.
type Source interface {
	// Open begins receiving frames; safe to call once.
	Open(ctx context.Context) error

	// Poll returns the next packet, io.EOF once the source is exhausted
	// (pcap-file runmodes end processing), or a context-cancellation error.
	Poll() (RawPacket, error)

	// Verdict communicates an inline accept/drop/reject decision for a
	// packet previously returned by Poll. No-op for offline/passive sources.
	Verdict(pkt RawPacket, v Verdict) error

	// Close releases the underlying capture handle.
	Close() error
}

// Clock abstracts time.Now so tests can control packet timestamps; grounded
// on the teacher's pcap/clock.go clockWrapper.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}
