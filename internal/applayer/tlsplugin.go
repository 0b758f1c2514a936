package applayer

import (
	tlsparse "github.com/flowloom/sentryd/internal/applayer/tls"
	"github.com/flowloom/sentryd/internal/memview"
)

// TLSParser adapts internal/applayer/tls into the Parser plugin contract.
type TLSParser struct{}

var _ Parser = TLSParser{}

func (TLSParser) Name() string      { return "TLS 1.2/1.3 handshake parser" }
func (TLSParser) Protocol() Protocol { return ProtoTLS }

func (TLSParser) Parse(toServer bool, data []byte) ([]Event, error) {
	mv := memview.New(data)

	if toServer {
		hello, err := tlsparse.ParseClientHello(mv)
		if err != nil {
			return nil, nil
		}
		return []Event{{
			Protocol: ProtoTLS,
			Fields: map[string]interface{}{
				"version":  hello.Version.String(),
				"hostname": hello.Hostname,
				"ja3":      tlsparse.JA3Hash(hello),
				"alpn":     hello.ALPN,
			},
		}}, nil
	}

	hello, err := tlsparse.ParseServerHello(mv)
	if err != nil {
		return nil, nil
	}
	return []Event{{
		Protocol: ProtoTLS,
		Fields: map[string]interface{}{
			"version": hello.HandshakeVersion.String(),
			"ja3s":    tlsparse.JA3SHash(hello),
		},
	}}, nil
}
