package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/flowloom/sentryd/internal/packet"
)

// Unified-alert magic family (§6): a downstream-tool-compatible binary
// record format. The file header identifies the format; readers that
// don't recognise ver_major must refuse to parse the body.
const (
	UnifiedAlertMagic uint32 = 0xDEAD4137
	UnifiedLogMagic   uint32 = 0xDEAD1080
	UnifiedVerMajor   uint32 = 1
	UnifiedVerMinor   uint32 = 81
)

// fileHeaderSize is the 16-byte file header (§6): magic, ver_major,
// ver_minor, timezone, all u32.
const fileHeaderSize = 16

// AlertRecordSize is the on-wire size of one AlertRecord. §6 labels the
// record "52 bytes", but its own field list — eleven u32s, two u32
// addresses, two u16 ports, and a trailing proto/flags pair of u32s —
// sums to 64; DESIGN.md resolves the discrepancy in favour of the
// explicit field list, since that's what the binary-identical round-trip
// property in §8 actually constrains.
const AlertRecordSize = 15*4 + 2*2

// AlertRecord is one unified-alert record (§6), IPv4 only.
type AlertRecord struct {
	SigGen   uint32
	SigSID   uint32
	SigRev   uint32
	SigClass uint32
	SigPrio  uint32
	EventID  uint32
	EventRef uint32
	TsSec    uint32
	TsUsec   uint32
	TsSec2   uint32
	TsUsec2  uint32
	SrcIP    uint32
	DstIP    uint32
	SrcPort  uint16
	DstPort  uint16
	Proto    uint32
	Flags    uint32
}

func (r AlertRecord) encode() [AlertRecordSize]byte {
	var b [AlertRecordSize]byte
	le := binary.LittleEndian
	le.PutUint32(b[0:4], r.SigGen)
	le.PutUint32(b[4:8], r.SigSID)
	le.PutUint32(b[8:12], r.SigRev)
	le.PutUint32(b[12:16], r.SigClass)
	le.PutUint32(b[16:20], r.SigPrio)
	le.PutUint32(b[20:24], r.EventID)
	le.PutUint32(b[24:28], r.EventRef)
	le.PutUint32(b[28:32], r.TsSec)
	le.PutUint32(b[32:36], r.TsUsec)
	le.PutUint32(b[36:40], r.TsSec2)
	le.PutUint32(b[40:44], r.TsUsec2)
	le.PutUint32(b[44:48], r.SrcIP)
	le.PutUint32(b[48:52], r.DstIP)
	le.PutUint16(b[52:54], r.SrcPort)
	le.PutUint16(b[54:56], r.DstPort)
	le.PutUint32(b[56:60], r.Proto)
	le.PutUint32(b[60:64], r.Flags)
	return b
}

func decodeAlertRecord(b []byte) (AlertRecord, error) {
	if len(b) < AlertRecordSize {
		return AlertRecord{}, errors.Errorf("unified alert record: need %d bytes, got %d", AlertRecordSize, len(b))
	}
	le := binary.LittleEndian
	return AlertRecord{
		SigGen:   le.Uint32(b[0:4]),
		SigSID:   le.Uint32(b[4:8]),
		SigRev:   le.Uint32(b[8:12]),
		SigClass: le.Uint32(b[12:16]),
		SigPrio:  le.Uint32(b[16:20]),
		EventID:  le.Uint32(b[20:24]),
		EventRef: le.Uint32(b[24:28]),
		TsSec:    le.Uint32(b[28:32]),
		TsUsec:   le.Uint32(b[32:36]),
		TsSec2:   le.Uint32(b[36:40]),
		TsUsec2:  le.Uint32(b[40:44]),
		SrcIP:    le.Uint32(b[44:48]),
		DstIP:    le.Uint32(b[48:52]),
		SrcPort:  le.Uint16(b[52:54]),
		DstPort:  le.Uint16(b[54:56]),
		Proto:    le.Uint32(b[56:60]),
		Flags:    le.Uint32(b[60:64]),
	}, nil
}

// ip4ToUint32 packs a net.IP's four IPv4 bytes into a u32 in the order
// they appear on the wire (big-endian within the address, as every
// unified-alert consumer expects — only the surrounding file format is
// little-endian).
func ip4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func writeFileHeader(w io.Writer, magic uint32, extra ...uint32) error {
	buf := make([]byte, fileHeaderSize+4*len(extra))
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], magic)
	le.PutUint32(buf[4:8], UnifiedVerMajor)
	le.PutUint32(buf[8:12], UnifiedVerMinor)
	le.PutUint32(buf[12:16], 0) // timezone
	for i, v := range extra {
		le.PutUint32(buf[fileHeaderSize+4*i:fileHeaderSize+4*i+4], v)
	}
	_, err := w.Write(buf)
	return err
}

// rotatingFile is the close/reopen/reemit-header rotation policy §6
// describes: "rotation means close, open a new filename <prefix>.<unix-
// seconds>, and re-emit the file header." A name already taken (a second
// rotation within the same second) gets a ".<n>" suffix instead of being
// overwritten.
type rotatingFile struct {
	mu       sync.Mutex
	prefix   string
	maxBytes int64
	magic    uint32
	extra    []uint32
	now      func() time.Time

	f       *os.File
	w       *bufio.Writer
	written int64
}

func newRotatingFile(prefix string, maxBytes int64, magic uint32, now func() time.Time, extra ...uint32) (*rotatingFile, error) {
	if now == nil {
		now = time.Now
	}
	rf := &rotatingFile{prefix: prefix, maxBytes: maxBytes, magic: magic, extra: extra, now: now}
	if err := rf.openNew(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) openNew() error {
	base := fmt.Sprintf("%s.%d", rf.prefix, rf.now().Unix())
	name := base
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	for n := 1; os.IsExist(err); n++ {
		name = fmt.Sprintf("%s.%d", base, n)
		f, err = os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return errors.Wrapf(err, "open unified output %s", name)
	}
	rf.f = f
	rf.w = bufio.NewWriter(f)
	rf.written = 0
	return writeFileHeader(rf.w, rf.magic, rf.extra...)
}

// writeRecord appends b, rotating first if b wouldn't fit under maxBytes
// (0 disables the cap), then fwrite-then-fflush so a crash never leaves a
// partially-written record (§6).
func (rf *rotatingFile) writeRecord(b []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.maxBytes > 0 && rf.written+int64(len(b)) > rf.maxBytes {
		if err := rf.w.Flush(); err != nil {
			return err
		}
		if err := rf.f.Close(); err != nil {
			return err
		}
		if err := rf.openNew(); err != nil {
			return err
		}
	}

	if _, err := rf.w.Write(b); err != nil {
		return err
	}
	rf.written += int64(len(b))
	return rf.w.Flush()
}

func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if err := rf.w.Flush(); err != nil {
		rf.f.Close()
		return err
	}
	return rf.f.Close()
}

// UnifiedAlertWriter is the "unified alert" Output plug-in (§6): one
// AlertRecord per fired alert, IPv4 only.
type UnifiedAlertWriter struct {
	rf *rotatingFile
}

// NewUnifiedAlertWriter opens <prefix>.<unix-seconds> and writes the file
// header. maxBytes <= 0 disables size-cap rotation.
func NewUnifiedAlertWriter(prefix string, maxBytes int64) (*UnifiedAlertWriter, error) {
	rf, err := newRotatingFile(prefix, maxBytes, UnifiedAlertMagic, time.Now)
	if err != nil {
		return nil, err
	}
	return &UnifiedAlertWriter{rf: rf}, nil
}

var _ Output = (*UnifiedAlertWriter)(nil)

func (w *UnifiedAlertWriter) Log(pkt *packet.Packet) error {
	if len(pkt.Alerts) == 0 {
		return nil
	}
	sec := uint32(pkt.Timestamp.Unix())
	usec := uint32(pkt.Timestamp.Nanosecond() / 1000)
	for _, a := range pkt.Alerts {
		rec := AlertRecord{
			SigGen:   a.GID,
			SigSID:   a.SID,
			SigRev:   a.Rev,
			SigClass: a.ClassID,
			SigPrio:  a.Priority,
			TsSec:    sec,
			TsUsec:   usec,
			TsSec2:   sec,
			TsUsec2:  usec,
			SrcIP:    ip4ToUint32(pkt.SrcIP),
			DstIP:    ip4ToUint32(pkt.DstIP),
			SrcPort:  pkt.SrcPort,
			DstPort:  pkt.DstPort,
			Proto:    uint32(pkt.Proto),
			Flags:    uint32(pkt.Action),
		}
		enc := rec.encode()
		if err := w.rf.writeRecord(enc[:]); err != nil {
			return err
		}
	}
	return nil
}

func (w *UnifiedAlertWriter) LogStats(StatsTable) error { return nil }

func (w *UnifiedAlertWriter) Close() error { return w.rf.Close() }

// UnifiedAlertReader reads back a unified-alert file for round-trip
// verification (§8).
type UnifiedAlertReader struct {
	r io.Reader
}

func NewUnifiedAlertReader(r io.Reader) (*UnifiedAlertReader, error) {
	hdr := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errors.Wrap(err, "read unified alert file header")
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != UnifiedAlertMagic {
		return nil, errors.New("unified alert: bad magic")
	}
	return &UnifiedAlertReader{r: r}, nil
}

// Next reads one AlertRecord, returning io.EOF once the stream is
// exhausted.
func (r *UnifiedAlertReader) Next() (AlertRecord, error) {
	b := make([]byte, AlertRecordSize)
	if _, err := io.ReadFull(r.r, b); err != nil {
		if err == io.ErrUnexpectedEOF {
			return AlertRecord{}, errors.New("unified alert: truncated record")
		}
		return AlertRecord{}, err
	}
	return decodeAlertRecord(b)
}
