package engine

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloom/sentryd/internal/applayer"
	"github.com/flowloom/sentryd/internal/counters"
	"github.com/flowloom/sentryd/internal/detect"
	"github.com/flowloom/sentryd/internal/packet"
	"github.com/flowloom/sentryd/internal/source"
)

// fakeSource replays a fixed slice of raw frames and records every
// Verdict call it receives, so tests can assert the full pipeline
// delivered a verdict for each packet it fed in.
type fakeSource struct {
	mu      sync.Mutex
	frames  [][]byte
	next    int
	handle  int
	verdict []source.Verdict
}

func (s *fakeSource) Open(context.Context) error { return nil }
func (s *fakeSource) Close() error               { return nil }

func (s *fakeSource) Poll() (source.RawPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.frames) {
		return source.RawPacket{}, io.EOF
	}
	h := s.handle
	s.handle++
	raw := source.RawPacket{
		Data:     s.frames[s.next],
		Datalink: source.DatalinkEthernet,
		CI:       gopacket.CaptureInfo{Timestamp: time.Unix(0, int64(s.next)), CaptureLength: len(s.frames[s.next]), Length: len(s.frames[s.next])},
		Handle:   h,
	}
	s.next++
	return raw, nil
}

func (s *fakeSource) Verdict(_ source.RawPacket, v source.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdict = append(s.verdict, v)
	return nil
}

func (s *fakeSource) verdictCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.verdict)
}

// recordingOutput captures every packet and stats table handed to it.
type recordingOutput struct {
	mu    sync.Mutex
	pkts  []*packet.Packet
	stats int
}

func (o *recordingOutput) Log(pkt *packet.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pkts = append(o.pkts, pkt)
	return nil
}
func (o *recordingOutput) LogStats(counters.Table) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats++
	return nil
}
func (o *recordingOutput) Close() error { return nil }

func (o *recordingOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pkts)
}

func (o *recordingOutput) alertCounts() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []int
	for _, p := range o.pkts {
		out = append(out, len(p.Alerts))
	}
	return out
}

// udpFrame builds a minimal Ethernet/IPv4/UDP frame carrying payload.
func udpFrame(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// tcpFrame builds a minimal Ethernet/IPv4/TCP frame carrying payload.
func tcpFrame(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, seq, ack uint32, syn, ackFlag, psh, fin bool, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort),
		Seq: seq, Ack: ack, SYN: syn, ACK: ackFlag, PSH: psh, FIN: fin,
		Window: 65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func contentSig(id, sid uint32, needle string) *detect.Signature {
	return &detect.Signature{
		SigIntID: id,
		GID:      1,
		SID:      sid,
		Rev:      1,
		Priority: 1,
		ProtoAny: true,
		Action:   packet.ActionDrop,
		Flags:    detect.FlagMpmEligible,
		Match: []detect.MatchElement{{
			Kind: detect.MatchContent,
			Content: &detect.ContentPattern{
				ID:     sid * 100,
				Bytes:  []byte(needle),
				Buffer: detect.BufferPacket,
			},
		}},
	}
}

func newTestEngine(sigs []*detect.Signature) (*Engine, *recordingOutput) {
	cfg := DefaultConfig
	cfg.Workers = 2
	cfg.QueueCap = 16
	cfg.PoolCapacity = 64
	cfg.FlowCapacity = 64
	cfg.CounterInterval = time.Hour // effectively disabled for these tests

	out := &recordingOutput{}
	apps := applayer.NewRegistry()
	e := New(cfg, sigs, apps, out)
	return e, out
}

func TestEnginePipelineFiresAlertAndDeliversDropVerdict(t *testing.T) {
	sigs := []*detect.Signature{contentSig(1, 100, "needle")}
	e, out := newTestEngine(sigs)

	frame := udpFrame(t, "10.0.0.1", "10.0.0.2", 5000, 5001, []byte("haystack needle haystack"))
	src := &fakeSource{frames: [][]byte{frame}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, src))

	require.Equal(t, 1, out.count())
	counts := out.alertCounts()
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0], "the needle-content signature must fire exactly once")

	require.Equal(t, 1, src.verdictCount())
	assert.Equal(t, source.VerdictDrop, src.verdict[0], "a drop-action signature must translate to a drop verdict")

	assert.Equal(t, e.pool.AllocCount(), e.pool.ReturnCount(), "every packet acquired from the pool must be returned exactly once")
}

func TestEnginePipelineAcceptsNonMatchingTraffic(t *testing.T) {
	sigs := []*detect.Signature{contentSig(1, 100, "needle")}
	e, out := newTestEngine(sigs)

	frame := udpFrame(t, "10.0.0.1", "10.0.0.2", 5000, 5001, []byte("nothing interesting here"))
	src := &fakeSource{frames: [][]byte{frame}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, src))

	require.Equal(t, 1, out.count())
	assert.Empty(t, out.pkts[0].Alerts)
	require.Equal(t, 1, src.verdictCount())
	assert.Equal(t, source.VerdictAccept, src.verdict[0])

	assert.Equal(t, e.pool.AllocCount(), e.pool.ReturnCount())
}

// httpRawHeaderSig mirrors a content match pinned to the reassembled HTTP
// header block, nocase, the way a user-agent fingerprint rule would be
// written.
func httpRawHeaderSig(id, sid uint32, needle string) *detect.Signature {
	return &detect.Signature{
		SigIntID: id,
		GID:      1,
		SID:      sid,
		Rev:      1,
		Priority: 1,
		ProtoAny: true,
		Action:   packet.ActionAccept,
		Match: []detect.MatchElement{{
			Kind: detect.MatchContent,
			Content: &detect.ContentPattern{
				ID:     sid * 100,
				Bytes:  []byte(needle),
				Nocase: true,
				Buffer: detect.BufferHTTPRawHeader,
			},
		}},
	}
}

// TestCrossBoundaryHTTPHeaderMatchesAfterReassembly drives a real TCP
// handshake and two data segments that split "Firefox/3.5.7\r\nContent"
// across the segment boundary, through the actual reassembler and HTTP
// parser rather than a hand-built buffer. Neither segment alone contains
// the needle; only the combined, reassembled request header does.
func TestCrossBoundaryHTTPHeaderMatchesAfterReassembly(t *testing.T) {
	sigs := []*detect.Signature{httpRawHeaderSig(1, 4, "firefox/3.5.7\r\ncontent")}
	e, out := newTestEngine(sigs)
	e.apps = applayer.NewRegistry(applayer.HTTPParser{})
	// 60 sits between the first segment's length (51 bytes) and the
	// combined length (89 bytes): only the reassembled, joined request
	// clears the threshold, so a flush proves the two segments combined.
	e.cfg.Stream.MinChunkLenInit = 60
	e.cfg.Stream.MinChunkLenSteady = 60

	part1 := []byte("GET / HTTP/1.1\r\nHost: example.com\r\nUser-Agent: Fire")
	part2 := []byte("fox/3.5.7\r\nContent-Type: text/html\r\n\r\n")
	require.NotContains(t, string(part1), "Firefox/3.5.7\r\nContent", "the needle must not already sit wholly in one segment")

	frames := [][]byte{
		tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 80, 0, 0, true, false, false, false, nil),
		tcpFrame(t, "10.0.0.2", "10.0.0.1", 80, 40000, 0, 1, true, true, false, false, nil),
		tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 80, 1, 1, false, true, false, false, nil),
		tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 80, 1, 1, false, true, true, false, part1),
		tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 80, uint32(1+len(part1)), 1, false, true, true, false, part2),
	}
	src := &fakeSource{frames: frames}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, src))

	var total int
	for _, n := range out.alertCounts() {
		total += n
	}
	assert.Equal(t, 1, total, "the header-fingerprint rule must fire exactly once, only after reassembly joins the two segments")
}

// TestGenericContentMatchesReassembledStreamMessage exercises scanStreamMsg
// directly: a plain BufferPacket content pattern split across two TCP
// segments can never match either packet's own payload in isolation, so a
// hit here proves the detection engine is being re-run against the
// reassembled StreamMsg, not only against each packet's raw bytes.
func TestGenericContentMatchesReassembledStreamMessage(t *testing.T) {
	sigs := []*detect.Signature{contentSig(1, 7, "splitneedle")}
	e, out := newTestEngine(sigs)

	part1 := []byte("prefix-spl")
	part2 := []byte("itneedle-suffix")
	// 15 sits between the first segment's length (10 bytes) and the
	// combined length (25 bytes): only the reassembled chunk clears the
	// threshold, so the two segments must have been joined before the
	// pattern could ever match.
	e.cfg.Stream.MinChunkLenInit = 15
	e.cfg.Stream.MinChunkLenSteady = 15

	frames := [][]byte{
		tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 9000, 0, 0, true, false, false, false, nil),
		tcpFrame(t, "10.0.0.2", "10.0.0.1", 9000, 40000, 0, 1, true, true, false, false, nil),
		tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 9000, 1, 1, false, true, false, false, nil),
		tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 9000, 1, 1, false, true, true, false, part1),
		tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 9000, uint32(1+len(part1)), 1, false, true, true, false, part2),
	}
	src := &fakeSource{frames: frames}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, src))

	var total int
	for _, n := range out.alertCounts() {
		total += n
	}
	assert.Equal(t, 1, total, "the split content pattern must only match once the reassembled chunk is rescanned")
}

func TestEngineStatsMergesRegisteredCounters(t *testing.T) {
	e, _ := newTestEngine(nil)
	table := e.Stats()
	assert.NotNil(t, table.Global)
}
