package source

import (
	"context"
	"io"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
)

// defaultSnapLen matches the teacher's pcap.defaultSnapLen, itself tcpdump's
// default.
const defaultSnapLen = 262144

// PcapLiveSource captures frames from a live interface (--pcap <iface>).
// Grounded on the teacher's pcapImpl.capturePackets.
type PcapLiveSource struct {
	Interface string
	BPFilter  string
	Promisc   bool

	mu      sync.Mutex
	handle  *pcap.Handle
	packets chan gopacket.Packet
}

var _ Source = (*PcapLiveSource)(nil)

func NewPcapLiveSource(iface, bpfFilter string) *PcapLiveSource {
	return &PcapLiveSource{Interface: iface, BPFilter: bpfFilter, Promisc: true}
}

func (s *PcapLiveSource) Open(ctx context.Context) error {
	handle, err := pcap.OpenLive(s.Interface, defaultSnapLen, s.Promisc, pcap.BlockForever)
	if err != nil {
		return errors.Wrapf(err, "failed to open live capture on %s", s.Interface)
	}

	if s.BPFilter != "" {
		if err := handle.SetBPFFilter(s.BPFilter); err != nil {
			handle.Close()
			return errors.Wrapf(err, "invalid bpf filter %q", s.BPFilter)
		}
	}

	s.mu.Lock()
	s.handle = handle
	s.packets = make(chan gopacket.Packet, 256)
	s.mu.Unlock()

	go func() {
		defer close(s.packets)
		src := gopacket.NewPacketSource(handle, handle.LinkType())
		for pkt := range src.Packets() {
			select {
			case <-ctx.Done():
				return
			case s.packets <- pkt:
			}
		}
	}()

	return nil
}

func (s *PcapLiveSource) Poll() (RawPacket, error) {
	pkt, ok := <-s.packets
	if !ok {
		return RawPacket{}, io.EOF
	}
	return RawPacket{
		Data:     pkt.Data(),
		CI:       pkt.Metadata().CaptureInfo,
		Datalink: datalinkFor(s.handle.LinkType()),
	}, nil
}

// Verdict is unused in passive (IDS-only) live capture. The AF_PACKET and
// NFQ sources have their own Verdict, which returns ErrUnsupportedSource.
func (s *PcapLiveSource) Verdict(RawPacket, Verdict) error { return nil }

func (s *PcapLiveSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.handle.Close()
	}
	return nil
}
