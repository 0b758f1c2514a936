package config

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/flowloom/sentryd/internal/detect"
	"github.com/flowloom/sentryd/internal/packet"
	"github.com/flowloom/sentryd/internal/slices"
)

// ruleDocument is the on-disk shape of a rules file. Rule-file syntax is
// explicitly a pluggable collaborator, not core detection logic (§1's
// "rule-file parsing syntax... are pluggable collaborators"), so this is
// one reasonable YAML rendering of detect.Signature, not a specified
// wire format — a deployment wanting Suricata-style .rules text would
// swap this loader out, not internal/detect.
type ruleDocument struct {
	Signatures []ruleSignature `yaml:"signatures"`
}

type ruleSignature struct {
	SID       uint32      `yaml:"sid"`
	GID       uint32      `yaml:"gid"`
	Rev       uint32      `yaml:"rev"`
	ClassID   uint32      `yaml:"classtype"`
	Priority  uint32      `yaml:"priority"`
	Msg       string      `yaml:"msg"`
	Action    string      `yaml:"action"` // alert | drop | reject
	Proto     string      `yaml:"proto"`  // any | tcp | udp | icmp | <number>
	Src       string      `yaml:"src"`    // any | CIDR
	Dst       string      `yaml:"dst"`    // any | CIDR
	SrcPort   string      `yaml:"src_port"` // any | N | N-M
	DstPort   string      `yaml:"dst_port"`
	Match     []ruleMatch `yaml:"match"`
}

type ruleMatch struct {
	Content    string `yaml:"content"`
	Nocase     bool   `yaml:"nocase"`
	Buffer     string `yaml:"buffer"` // packet | http_uri | http_raw_header
	Offset     int    `yaml:"offset"`
	Depth      int    `yaml:"depth"`
	Distance   int    `yaml:"distance"`
	Within     int    `yaml:"within"`

	PCRE  string `yaml:"pcre"`
	Flags string `yaml:"flags"` // subset of i,s,m,x (§9's RE2 Open Question resolution)

	IPProto string `yaml:"ip_proto"` // e.g. "!6", "<17", "6"

	Flow string `yaml:"flow"` // comma-separated: established,to_server,to_client,stateless

	TLSVersion string `yaml:"tls_version"`
}

// LoadSignatures reads a rules file from path and compiles it into
// detect.Signature values ready for detect.Build. SigIntID and content
// pattern IDs are assigned here, ascending in file order, since they're
// internal identifiers the rule file itself never names (§3: SigIntID
// and pattern IDs are build-time assignments, SID/GID/Rev are the only
// identifiers carried in from the rule author).
func LoadSignatures(path string) ([]*detect.Signature, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading rules file")
	}

	var doc ruleDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing rules file")
	}

	sigs := make([]*detect.Signature, 0, len(doc.Signatures))
	var nextPatternID uint32 = 1
	for i, rs := range doc.Signatures {
		sig, err := compileSignature(uint32(i+1), rs, &nextPatternID)
		if err != nil {
			return nil, errors.Wrapf(err, "signature sid %d", rs.SID)
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func compileSignature(sigIntID uint32, rs ruleSignature, nextPatternID *uint32) (*detect.Signature, error) {
	sig := &detect.Signature{
		SigIntID: sigIntID,
		GID:      rs.GID,
		SID:      rs.SID,
		Rev:      rs.Rev,
		ClassID:  rs.ClassID,
		Priority: rs.Priority,
		Msg:      rs.Msg,
	}
	if sig.GID == 0 {
		sig.GID = 1
	}
	if sig.Rev == 0 {
		sig.Rev = 1
	}

	action, err := parseAction(rs.Action)
	if err != nil {
		return nil, err
	}
	sig.Action = action

	if err := applyProto(sig, rs.Proto); err != nil {
		return nil, err
	}

	srcAddrs, err := parseAddr(rs.Src)
	if err != nil {
		return nil, errors.Wrap(err, "src")
	}
	sig.SrcAddrs = srcAddrs

	dstAddrs, err := parseAddr(rs.Dst)
	if err != nil {
		return nil, errors.Wrap(err, "dst")
	}
	sig.DstAddrs = dstAddrs

	srcPorts, err := parsePorts(rs.SrcPort)
	if err != nil {
		return nil, errors.Wrap(err, "src_port")
	}
	sig.SrcPorts = srcPorts

	dstPorts, err := parsePorts(rs.DstPort)
	if err != nil {
		return nil, errors.Wrap(err, "dst_port")
	}
	sig.DstPorts = dstPorts

	for _, rm := range rs.Match {
		el, isMpmEligible, err := compileMatch(rm, nextPatternID)
		if err != nil {
			return nil, err
		}
		sig.Match = append(sig.Match, el)
		if isMpmEligible {
			sig.Flags |= detect.FlagMpmEligible
		}
		if el.Kind == detect.MatchContent && (el.Content.Buffer == detect.BufferHTTPURI || el.Content.Buffer == detect.BufferHTTPRawHeader) {
			sig.Flags |= detect.FlagAppLayer
		}
	}

	return sig, nil
}

func parseAction(a string) (packet.Action, error) {
	switch strings.ToLower(strings.TrimSpace(a)) {
	case "", "alert":
		return packet.ActionAccept, nil
	case "drop":
		return packet.ActionDrop, nil
	case "reject":
		return packet.ActionReject, nil
	default:
		return 0, errors.Errorf("unrecognized action %q", a)
	}
}

func applyProto(sig *detect.Signature, proto string) error {
	switch strings.ToLower(strings.TrimSpace(proto)) {
	case "", "any":
		sig.ProtoAny = true
	case "tcp":
		sig.Proto = 6
	case "udp":
		sig.Proto = 17
	case "icmp":
		sig.Proto = 1
	default:
		n, err := strconv.Atoi(proto)
		if err != nil {
			return errors.Errorf("unrecognized proto %q", proto)
		}
		sig.Proto = uint8(n)
	}
	return nil
}

func parseAddr(spec string) ([]detect.AddrRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "any") {
		return nil, nil
	}
	return slices.MapWithErr(strings.Split(spec, ","), parseOneAddr)
}

func parseOneAddr(part string) (detect.AddrRange, error) {
	part = strings.TrimSpace(part)
	if !strings.Contains(part, "/") {
		ip := net.ParseIP(part)
		if ip == nil {
			return detect.AddrRange{}, errors.Errorf("invalid address %q", part)
		}
		a := detect.AddrFromIP(ip)
		return detect.AddrRange{Lo: a, Hi: a}, nil
	}
	_, ipnet, err := net.ParseCIDR(part)
	if err != nil {
		return detect.AddrRange{}, errors.Errorf("invalid CIDR %q", part)
	}
	lo, hi := cidrRange(ipnet)
	return detect.AddrRange{Lo: lo, Hi: hi}, nil
}

func cidrRange(ipnet *net.IPNet) (lo, hi detect.Addr) {
	loIP := ipnet.IP
	mask := ipnet.Mask
	hiBytes := make(net.IP, len(loIP))
	copy(hiBytes, loIP)
	for i := range hiBytes {
		hiBytes[i] |= ^mask[i]
	}
	return detect.AddrFromIP(loIP), detect.AddrFromIP(hiBytes)
}

func parsePorts(spec string) ([]detect.PortRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "any") {
		return nil, nil
	}
	return slices.MapWithErr(strings.Split(spec, ","), parseOnePortRange)
}

func parseOnePortRange(part string) (detect.PortRange, error) {
	part = strings.TrimSpace(part)
	if lo, hi, ok := strings.Cut(part, "-"); ok {
		loN, err := strconv.Atoi(lo)
		if err != nil {
			return detect.PortRange{}, errors.Errorf("invalid port range %q", part)
		}
		hiN, err := strconv.Atoi(hi)
		if err != nil {
			return detect.PortRange{}, errors.Errorf("invalid port range %q", part)
		}
		return detect.PortRange{Lo: uint16(loN), Hi: uint16(hiN)}, nil
	}
	n, err := strconv.Atoi(part)
	if err != nil {
		return detect.PortRange{}, errors.Errorf("invalid port %q", part)
	}
	return detect.PortRange{Lo: uint16(n), Hi: uint16(n)}, nil
}

func parseBuffer(name string) detect.Buffer {
	switch name {
	case "http_uri":
		return detect.BufferHTTPURI
	case "http_raw_header":
		return detect.BufferHTTPRawHeader
	default:
		return detect.BufferPacket
	}
}

// pcreFlagSet is the RE2-expressible subset §9's Open Question accepts;
// 'R' (relative match) and 'B' (raw byte match) aren't RE2 constructs and
// are rejected at compile time rather than silently ignored.
var pcreFlagSet = map[byte]bool{'i': true, 's': true, 'm': true, 'x': true}

func compileMatch(rm ruleMatch, nextPatternID *uint32) (detect.MatchElement, bool, error) {
	switch {
	case rm.Content != "":
		id := *nextPatternID
		*nextPatternID++
		return detect.MatchElement{
			Kind: detect.MatchContent,
			Content: &detect.ContentPattern{
				ID:          id,
				Bytes:       []byte(rm.Content),
				Nocase:      rm.Nocase,
				Buffer:      parseBuffer(rm.Buffer),
				HasOffset:   rm.Offset != 0,
				Offset:      rm.Offset,
				HasDepth:    rm.Depth != 0,
				Depth:       rm.Depth,
				HasDistance: rm.Distance != 0,
				Distance:    rm.Distance,
				HasWithin:   rm.Within != 0,
				Within:      rm.Within,
			},
		}, true, nil

	case rm.PCRE != "":
		for i := 0; i < len(rm.Flags); i++ {
			if !pcreFlagSet[rm.Flags[i]] {
				return detect.MatchElement{}, false, errors.Errorf("pcre flag %q is not expressible with Go's RE2 engine", string(rm.Flags[i]))
			}
		}
		p, err := detect.CompilePCRE(rm.PCRE, rm.Flags, parseBuffer(rm.Buffer))
		if err != nil {
			return detect.MatchElement{}, false, errors.Wrap(err, "compiling pcre")
		}
		return detect.MatchElement{Kind: detect.MatchPCRE, PCRE: p}, false, nil

	case rm.IPProto != "":
		pred, err := parseIPProto(rm.IPProto)
		if err != nil {
			return detect.MatchElement{}, false, err
		}
		return detect.MatchElement{Kind: detect.MatchIPProto, IPProto: pred}, false, nil

	case rm.Flow != "":
		return detect.MatchElement{Kind: detect.MatchFlow, Flow: parseFlow(rm.Flow)}, false, nil

	case rm.TLSVersion != "":
		return detect.MatchElement{Kind: detect.MatchTLSVersion, TLSVersion: &detect.TLSVersionPredicate{Version: rm.TLSVersion}}, false, nil

	default:
		return detect.MatchElement{}, false, errors.New("match entry names no recognized predicate")
	}
}

func parseIPProto(spec string) (*detect.IPProtoPredicate, error) {
	pred := &detect.IPProtoPredicate{}
	s := strings.TrimSpace(spec)
	if strings.HasPrefix(s, "!") {
		pred.Negate = true
		s = s[1:]
	}
	switch {
	case strings.HasPrefix(s, "<"):
		pred.Cmp = detect.IPProtoLT
		s = s[1:]
	case strings.HasPrefix(s, ">"):
		pred.Cmp = detect.IPProtoGT
		s = s[1:]
	default:
		pred.Cmp = detect.IPProtoEQ
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Errorf("invalid ip_proto %q", spec)
	}
	pred.Proto = uint8(n)
	return pred, nil
}

func parseFlow(spec string) *detect.FlowPredicate {
	pred := &detect.FlowPredicate{}
	for _, tok := range strings.Split(spec, ",") {
		switch strings.TrimSpace(tok) {
		case "established":
			pred.Established = true
		case "to_server":
			pred.ToServer = true
		case "to_client":
			pred.ToClient = true
		case "stateless":
			pred.Stateless = true
		}
	}
	return pred
}
