package source

import (
	"context"
	"io"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
)

// PcapFileSource reads frames from an offline capture file. Grounded on the
// teacher's pcap.FilePcapWrapper.capturePackets / pcap/reader.go FileReader.
type PcapFileSource struct {
	Path     string
	BPFilter string

	mu      sync.Mutex
	handle  *pcap.Handle
	packets chan gopacket.Packet
	errc    chan error
	cancel  context.CancelFunc
}

var _ Source = (*PcapFileSource)(nil)

func NewPcapFileSource(path, bpfFilter string) *PcapFileSource {
	return &PcapFileSource{Path: path, BPFilter: bpfFilter}
}

func (s *PcapFileSource) Open(ctx context.Context) error {
	handle, err := pcap.OpenOffline(s.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to open capture file %s", s.Path)
	}

	if s.BPFilter != "" {
		if err := handle.SetBPFFilter(s.BPFilter); err != nil {
			handle.Close()
			return errors.Wrapf(err, "invalid bpf filter %q", s.BPFilter)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.handle = handle
	s.packets = make(chan gopacket.Packet, 64)
	s.errc = make(chan error, 1)
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(s.packets)
		src := gopacket.NewPacketSource(handle, handle.LinkType())
		for pkt := range src.Packets() {
			select {
			case <-runCtx.Done():
				return
			case s.packets <- pkt:
			}
		}
		s.errc <- io.EOF
	}()

	return nil
}

func (s *PcapFileSource) Poll() (RawPacket, error) {
	select {
	case pkt, ok := <-s.packets:
		if !ok {
			select {
			case err := <-s.errc:
				return RawPacket{}, err
			default:
				return RawPacket{}, io.EOF
			}
		}
		return RawPacket{
			Data:     pkt.Data(),
			CI:       pkt.Metadata().CaptureInfo,
			Datalink: datalinkFor(s.handle.LinkType()),
		}, nil
	}
}

// Verdict is a no-op: offline replay never injects a verdict into the source.
func (s *PcapFileSource) Verdict(RawPacket, Verdict) error { return nil }

func (s *PcapFileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.handle != nil {
		s.handle.Close()
	}
	return nil
}

func datalinkFor(lt gopacket.LayerType) Datalink {
	switch lt.String() {
	case "Linux SLL":
		return DatalinkLinuxSLL
	case "PPP":
		return DatalinkPPP
	case "Raw IPv4":
		return DatalinkRaw
	default:
		return DatalinkEthernet
	}
}
