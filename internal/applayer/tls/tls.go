// Package tls is a pluggable applayer.Parser that extracts the TLS version
// and SNI hostname from a Client Hello or Server Hello handshake record, to
// back the rule engine's `tls.version:{1.0|1.1|1.2}` predicate (§6).
//
// Adapted from the teacher's gnet/tls/client_parser.go and
// server_parser.go: same record/handshake-header walk over a memview.Reader,
// trimmed to the fields the detection predicate needs (version, SNI, ALPN,
// cipher suites, extension ids) and shedding the gnet.TCPParser
// Accept/Parse state machine, since applayer.Parser is handed one already
// gap-free stream message rather than an arbitrary incremental byte stream.
package tls

import (
	"io"

	"github.com/pkg/errors"

	"github.com/flowloom/sentryd/internal/memview"
)

// Version is a TLS/SSL protocol version as carried on the wire.
type Version uint16

const (
	VersionSSL30 Version = 0x0300
	VersionTLS10 Version = 0x0301
	VersionTLS11 Version = 0x0302
	VersionTLS12 Version = 0x0303
	VersionTLS13 Version = 0x0304
)

func (v Version) String() string {
	switch v {
	case VersionSSL30:
		return "ssl3.0"
	case VersionTLS10:
		return "1.0"
	case VersionTLS11:
		return "1.1"
	case VersionTLS12:
		return "1.2"
	case VersionTLS13:
		return "1.3"
	default:
		return "unknown"
	}
}

// ClientHello is the subset of a TLS Client Hello the detection predicates
// and JA3 fingerprint need.
type ClientHello struct {
	Version         Version
	Hostname        string
	CipherSuites    []uint16
	Extensions      []uint16
	SupportedCurves []uint16
	SupportedPoints []uint8
	ALPN            []string
}

// ServerHello is the subset of a TLS Server Hello needed for JA3S.
type ServerHello struct {
	HandshakeVersion Version
	CipherSuite      uint16
	Extensions       []uint16
}

const (
	recordHeaderLen    = 5 // type(1) + version(2) + length(2)
	handshakeHeaderLen = 4 // type(1) + length(3)
	helloVersionLen    = 2
	helloRandomLen     = 32

	handshakeTypeClientHello = 0x01
	handshakeTypeServerHello = 0x02

	extensionServerName      uint16 = 0x0000
	extensionSupportedCurves uint16 = 0x000a
	extensionSupportedPoints uint16 = 0x000b
	extensionALPN            uint16 = 0x0010

	sniHostNameType = 0x00
)

// ErrIncompleteRecord means the stream message didn't carry a full TLS
// handshake record; the caller should wait for more data or give up.
var ErrIncompleteRecord = errors.New("tls: incomplete handshake record")

// ParseClientHello extracts version/SNI/cipher-suite/extension information
// from a buffer beginning at a TLS record header.
func ParseClientHello(buf memview.MemView) (ClientHello, error) {
	hello, err := parseHello(buf, handshakeTypeClientHello)
	if err != nil {
		return ClientHello{}, err
	}

	reader := hello.body.CreateReader()
	if _, err := reader.Seek(helloVersionLen+helloRandomLen, io.SeekCurrent); err != nil {
		return ClientHello{}, err
	}
	if err := reader.ReadByteAndSeek(); err != nil { // session id
		return ClientHello{}, err
	}

	_, cipherReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		return ClientHello{}, err
	}
	var ciphers []uint16
	for {
		v, err := cipherReader.ReadUint16()
		if err == io.EOF {
			break
		} else if err != nil {
			return ClientHello{}, err
		}
		ciphers = append(ciphers, v)
	}

	if err := reader.ReadByteAndSeek(); err != nil { // compression methods (assumes length < 256)
		return ClientHello{}, err
	}

	out := ClientHello{Version: hello.version, CipherSuites: ciphers}
	extReader, hasExt, err := readExtensionsSection(reader)
	if err != nil || !hasExt {
		return out, nil
	}

	for {
		extType, content, err := nextExtension(extReader)
		if err == io.EOF {
			break
		} else if err != nil {
			return out, nil
		}
		out.Extensions = append(out.Extensions, extType)
		switch extType {
		case extensionServerName:
			if host, err := parseSNI(content); err == nil {
				out.Hostname = host
			}
		case extensionALPN:
			out.ALPN = parseALPN(content)
		case extensionSupportedCurves:
			out.SupportedCurves = parseUint16List(content)
		case extensionSupportedPoints:
			out.SupportedPoints = parseUint8List(content)
		}
	}

	return out, nil
}

// ParseServerHello extracts version/cipher-suite/extension information from
// a buffer beginning at a TLS record header.
func ParseServerHello(buf memview.MemView) (ServerHello, error) {
	hello, err := parseHello(buf, handshakeTypeServerHello)
	if err != nil {
		return ServerHello{}, err
	}

	reader := hello.body.CreateReader()
	if _, err := reader.Seek(helloVersionLen+helloRandomLen, io.SeekCurrent); err != nil {
		return ServerHello{}, err
	}
	if err := reader.ReadByteAndSeek(); err != nil { // session id
		return ServerHello{}, err
	}
	cipherSuite, err := reader.ReadUint16()
	if err != nil {
		return ServerHello{}, err
	}
	if err := reader.ReadByteAndSeek(); err != nil { // compression method
		return ServerHello{}, err
	}

	out := ServerHello{HandshakeVersion: hello.version, CipherSuite: cipherSuite}
	extReader, hasExt, err := readExtensionsSection(reader)
	if err != nil || !hasExt {
		return out, nil
	}
	for {
		extType, _, err := nextExtension(extReader)
		if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		out.Extensions = append(out.Extensions, extType)
	}
	return out, nil
}

type parsedHello struct {
	version Version
	body    memview.MemView
}

func parseHello(buf memview.MemView, wantType byte) (parsedHello, error) {
	if buf.Len() < recordHeaderLen+handshakeHeaderLen+helloVersionLen {
		return parsedHello{}, ErrIncompleteRecord
	}

	handshakeMsgLen := int64(buf.GetUint16(recordHeaderLen - 2))
	end := recordHeaderLen + handshakeMsgLen
	if buf.Len() < end {
		return parsedHello{}, ErrIncompleteRecord
	}

	record := buf.SubView(recordHeaderLen, end)
	if record.GetByte(0) != wantType {
		return parsedHello{}, errors.Errorf("tls: unexpected handshake type %#x", record.GetByte(0))
	}

	version := Version(record.GetUint16(handshakeHeaderLen))
	body := record.SubView(handshakeHeaderLen, record.Len())
	return parsedHello{version: version, body: body}, nil
}

func readExtensionsSection(reader *memview.MemViewReader) (*memview.MemViewReader, bool, error) {
	_, extReader, err := reader.ReadUint16AndTruncate()
	if err == io.EOF {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return extReader, true, nil
}

func nextExtension(reader *memview.MemViewReader) (extType uint16, content *memview.MemViewReader, err error) {
	extType, err = reader.ReadUint16()
	if err != nil {
		return 0, nil, err
	}
	_, content, err = reader.ReadUint16AndTruncate()
	return extType, content, err
}

func parseSNI(reader *memview.MemViewReader) (string, error) {
	for {
		_, entry, err := reader.ReadUint16AndTruncate()
		if err == io.EOF {
			return "", io.EOF
		} else if err != nil {
			return "", err
		}
		entryType, err := entry.ReadByte()
		if err != nil {
			return "", err
		}
		if entryType == sniHostNameType {
			return entry.ReadString_uint16()
		}
	}
}

func parseALPN(reader *memview.MemViewReader) []string {
	var protocols []string
	for {
		proto, err := reader.ReadString_byte()
		if err != nil {
			return protocols
		}
		protocols = append(protocols, proto)
	}
}

func parseUint16List(reader *memview.MemViewReader) []uint16 {
	var out []uint16
	for {
		v, err := reader.ReadUint16()
		if err != nil {
			return out
		}
		out = append(out, v)
	}
}

func parseUint8List(reader *memview.MemViewReader) []uint8 {
	var out []uint8
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return out
		}
		out = append(out, b)
	}
}
