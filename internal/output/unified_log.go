package output

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/flowloom/sentryd/internal/packet"
	"github.com/flowloom/sentryd/internal/source"
)

// UnifiedLogWriter is the "unified log" packet-capture Output plug-in
// (§6): same magic family as the alert writer, with snaplen/linktype
// added to the file header, and every logged packet carrying its full L2
// frame after an AlertRecord-shaped header.
type UnifiedLogWriter struct {
	rf      *rotatingFile
	snaplen uint32
}

// NewUnifiedLogWriter opens <prefix>.<unix-seconds>, writing linktype as
// an Ethernet DLT — a synthetic Ethernet header is spliced onto frames
// from datalinks that lack one, so every consumer of this format can
// assume Ethernet framing (§6).
func NewUnifiedLogWriter(prefix string, maxBytes int64, snaplen uint32) (*UnifiedLogWriter, error) {
	const dltEN10MB = 1
	rf, err := newRotatingFile(prefix, maxBytes, UnifiedLogMagic, nil, snaplen, dltEN10MB)
	if err != nil {
		return nil, err
	}
	return &UnifiedLogWriter{rf: rf, snaplen: snaplen}, nil
}

var _ Output = (*UnifiedLogWriter)(nil)

func (w *UnifiedLogWriter) Log(pkt *packet.Packet) error {
	frame, err := framedBytes(pkt)
	if err != nil {
		return err
	}
	if w.snaplen > 0 && uint32(len(frame)) > w.snaplen {
		frame = frame[:w.snaplen]
	}

	sec := uint32(pkt.Timestamp.Unix())
	usec := uint32(pkt.Timestamp.Nanosecond() / 1000)
	hdr := AlertRecord{
		TsSec:   sec,
		TsUsec:  usec,
		TsSec2:  sec,
		TsUsec2: usec,
		SrcIP:   ip4ToUint32(pkt.SrcIP),
		DstIP:   ip4ToUint32(pkt.DstIP),
		SrcPort: pkt.SrcPort,
		DstPort: pkt.DstPort,
		Proto:   uint32(pkt.Proto),
		Flags:   uint32(pkt.Action),
	}
	enc := hdr.encode()

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(frame)))

	rec := make([]byte, 0, len(enc)+len(lenPrefix)+len(frame))
	rec = append(rec, enc[:]...)
	rec = append(rec, lenPrefix[:]...)
	rec = append(rec, frame...)
	return w.rf.writeRecord(rec)
}

func (w *UnifiedLogWriter) LogStats(StatsTable) error { return nil }

func (w *UnifiedLogWriter) Close() error { return w.rf.Close() }

// framedBytes returns pkt's on-wire bytes with Ethernet framing, adding a
// synthetic header for datalinks that don't carry one of their own.
func framedBytes(pkt *packet.Packet) ([]byte, error) {
	if pkt.Datalink == source.DatalinkEthernet {
		return pkt.Raw, nil
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 0},
		EthernetType: ethernetTypeFor(pkt),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(pkt.Raw)); err != nil {
		return nil, errors.Wrap(err, "synthesize ethernet header")
	}
	return buf.Bytes(), nil
}

func ethernetTypeFor(pkt *packet.Packet) layers.EthernetType {
	switch pkt.IPVersion {
	case 6:
		return layers.EthernetTypeIPv6
	default:
		return layers.EthernetTypeIPv4
	}
}

// UnifiedLogReader reads back a unified-log file for round-trip
// verification, mirroring UnifiedAlertReader.
type UnifiedLogReader struct {
	r           io.Reader
	Snaplen     uint32
	LinkTypeDLT uint32
}

func NewUnifiedLogReader(r io.Reader) (*UnifiedLogReader, error) {
	hdr := make([]byte, fileHeaderSize+8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errors.Wrap(err, "read unified log file header")
	}
	le := binary.LittleEndian
	if le.Uint32(hdr[0:4]) != UnifiedLogMagic {
		return nil, errors.New("unified log: bad magic")
	}
	return &UnifiedLogReader{
		r:           r,
		Snaplen:     le.Uint32(hdr[16:20]),
		LinkTypeDLT: le.Uint32(hdr[20:24]),
	}, nil
}

// Next reads one (AlertRecord, frame) pair, returning io.EOF once
// exhausted.
func (r *UnifiedLogReader) Next() (AlertRecord, []byte, error) {
	hb := make([]byte, AlertRecordSize+4)
	if _, err := io.ReadFull(r.r, hb); err != nil {
		if err == io.ErrUnexpectedEOF {
			return AlertRecord{}, nil, errors.New("unified log: truncated header")
		}
		return AlertRecord{}, nil, err
	}
	rec, err := decodeAlertRecord(hb[:AlertRecordSize])
	if err != nil {
		return AlertRecord{}, nil, err
	}
	frameLen := binary.LittleEndian.Uint32(hb[AlertRecordSize:])
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r.r, frame); err != nil {
		return AlertRecord{}, nil, errors.Wrap(err, "unified log: truncated frame")
	}
	return rec, frame, nil
}
