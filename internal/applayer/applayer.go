// Package applayer declares the application-layer parser plugin contract
// spec.md §1 treats as an external collaborator: HTTP, TLS and SMB parsers
// are pluggable modules the detection engine consults for protocol-specific
// predicates (http_uri, tls.version, …), not core engine logic.
//
// Two concrete, in-tree plugins are provided (http, tls) because the
// signature predicate catalogue (§4.5/SPEC_FULL §6) names their fields
// directly. SMB is declared as a pluggable protocol with no in-tree
// implementation, matching spec.md's explicit framing.
package applayer

// Protocol names a pluggable application-layer protocol.
type Protocol string

const (
	ProtoHTTP Protocol = "http"
	ProtoTLS  Protocol = "tls"
	ProtoSMB  Protocol = "smb" // declared only; no in-tree parser.
	ProtoFTP  Protocol = "ftp"
)

// Event is the normalized result an app-layer parser hands back to the
// detection engine: a protocol tag plus a bag of fields the predicate
// evaluators (internal/detect) know how to read by name.
type Event struct {
	Protocol Protocol
	Fields   map[string]interface{}
}

// Parser is the plugin contract: given a reassembled stream message's
// bytes, produce zero or more protocol events. A parser that cannot make
// sense of the bytes returns (nil, nil) rather than an error, so one
// failed protocol guess doesn't abort detection for the packet.
type Parser interface {
	Name() string
	Protocol() Protocol
	Parse(toServer bool, data []byte) ([]Event, error)
}

// Registry resolves protocol parsers by their Protocol tag. Analogous to
// the teacher's gnet.TCPParserFactorySelector, but keyed by an explicit
// protocol tag rather than content-sniffed like the teacher's
// Accept/NeedMoreData negotiation; the caller picks the tag (the engine
// guesses it from the flow's destination port for each stream message).
type Registry struct {
	parsers map[Protocol]Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[Protocol]Parser, len(parsers))}
	for _, p := range parsers {
		r.parsers[p.Protocol()] = p
	}
	return r
}

func (r *Registry) Lookup(proto Protocol) (Parser, bool) {
	p, ok := r.parsers[proto]
	return p, ok
}
