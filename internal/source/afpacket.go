package source

import "context"

// AfPacketSource is the inline/high-throughput Linux AF_PACKET source §6
// names alongside NFQUEUE. Like NfqSource, it's declared and stubbed
// rather than backed by a real PACKET_MMAP ring buffer: the pack carries
// no AF_PACKET binding (gopacket's afpacket subpackage is cgo-free but
// Linux-only and untested here), and PcapLiveSource already exercises
// the same live-capture half of the Source contract this would. A real
// build tags in a platform file satisfying this same interface over
// google/gopacket/afpacket.
type AfPacketSource struct {
	Iface string
}

var _ Source = (*AfPacketSource)(nil)

func NewAfPacketSource(iface string) *AfPacketSource {
	return &AfPacketSource{Iface: iface}
}

func (s *AfPacketSource) Open(ctx context.Context) error { return ErrUnsupportedSource }

func (s *AfPacketSource) Poll() (RawPacket, error) { return RawPacket{}, ErrUnsupportedSource }

func (s *AfPacketSource) Verdict(pkt RawPacket, v Verdict) error { return ErrUnsupportedSource }

func (s *AfPacketSource) Close() error { return nil }
