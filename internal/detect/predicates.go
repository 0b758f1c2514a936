package detect

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/flowloom/sentryd/internal/mpm"
)

// boundedSearch finds the first offset in [lo,hi] where pattern occurs in
// buf, confirming byte-for-byte (case-aware) at each candidate position.
// It's a linear scan rather than a fresh MPM pass: match-list evaluation
// only ever runs against the small set of signatures a SigGroupHead's
// scan already narrowed down, so a second automaton build per buffer
// would cost more than it saves (§4.5's confirmation phase).
func boundedSearch(buf, pattern []byte, nocase bool, lo, hi int) (int, bool) {
	if lo < 0 {
		lo = 0
	}
	if hi > len(buf)-len(pattern) {
		hi = len(buf) - len(pattern)
	}
	for o := lo; o <= hi; o++ {
		if mpm.ConfirmAt(buf, o, pattern, nocase) {
			return o, true
		}
	}
	return 0, false
}

// evalContent confirms one content pattern against buf, optionally
// chained off the previous pattern's end offset (prevEnd, only
// meaningful when havePrev). It returns the match's end offset so the
// next link in the chain can be verified against it (§4.4).
func evalContent(buf []byte, c *ContentPattern, prevEnd int, havePrev bool) (end int, ok bool) {
	if havePrev && (c.HasDistance || c.HasWithin) {
		off, ok := mpm.FindChained(buf, c.Bytes, c.Nocase, prevEnd, mpm.ChainConstraint{
			Distance:    c.Distance,
			HasDistance: c.HasDistance,
			Within:      c.Within,
			HasWithin:   c.HasWithin,
		})
		if !ok {
			return 0, false
		}
		return off + len(c.Bytes), true
	}

	lo, hi := 0, len(buf)-len(c.Bytes)
	if c.HasOffset {
		lo = c.Offset
	}
	if c.HasDepth {
		hi = c.Depth - len(c.Bytes)
	}
	off, ok := boundedSearch(buf, c.Bytes, c.Nocase, lo, hi)
	if !ok {
		return 0, false
	}
	return off + len(c.Bytes), true
}

func evalIPProto(proto uint8, pred *IPProtoPredicate) bool {
	var res bool
	switch pred.Cmp {
	case IPProtoLT:
		res = proto < pred.Proto
	case IPProtoGT:
		res = proto > pred.Proto
	default:
		res = proto == pred.Proto
	}
	if pred.Negate {
		res = !res
	}
	return res
}

// FlowState is the subset of session state flow predicates read.
type FlowState struct {
	Established bool
	ToServer    bool
	ToClient    bool
}

func evalFlow(pred *FlowPredicate, fs FlowState) bool {
	if pred.Established && !fs.Established {
		return false
	}
	if pred.Stateless && fs.Established {
		return false
	}
	if pred.ToServer && !fs.ToServer {
		return false
	}
	if pred.ToClient && !fs.ToClient {
		return false
	}
	return true
}

func evalTLSVersion(pred *TLSVersionPredicate, actual string) bool {
	return pred.Version == actual
}

// ErrUnsupportedPCREFlag flags a pcre:"/…/[flags]" rule using a flag
// RE2 can't express (§9's Open Question: R and B assume PCRE's
// backtracking / raw-byte semantics, which this engine doesn't carry).
var ErrUnsupportedPCREFlag = errors.New("unsupported pcre flag")

// CompilePCRE builds a PCREPattern from a rule's regex body and flag
// string. i/s/m map directly onto Go regexp's inline flags; x (PCRE's
// extended/verbose mode, unsupported by RE2) is emulated by stripping
// unescaped whitespace and #-comments from the pattern before compiling,
// since Go has no native equivalent. U selects the decoded-URI buffer;
// R and B are rejected outright rather than silently reinterpreted.
func CompilePCRE(body, flags string, buffer Buffer) (*PCREPattern, error) {
	var inline strings.Builder
	pattern := body

	for _, f := range flags {
		switch f {
		case 'i', 's', 'm':
			inline.WriteRune(f)
		case 'x':
			pattern = stripExtendedWhitespace(pattern)
		case 'U':
			buffer = BufferHTTPURI
		case 'R', 'B':
			return nil, errors.Wrapf(ErrUnsupportedPCREFlag, "flag %q", string(f))
		default:
			return nil, errors.Wrapf(ErrUnsupportedPCREFlag, "flag %q", string(f))
		}
	}

	if inline.Len() > 0 {
		pattern = "(?" + inline.String() + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "compiling pcre pattern")
	}
	return &PCREPattern{Re: re, Buffer: buffer}, nil
}

// stripExtendedWhitespace removes unescaped whitespace and #-to-end-of-line
// comments outside character classes, the minimum needed to emulate PCRE's
// /x mode over RE2.
func stripExtendedWhitespace(pattern string) string {
	var out strings.Builder
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			out.WriteByte(c)
			out.WriteByte(pattern[i+1])
			i++
			continue
		}
		if c == '[' {
			inClass = true
		} else if c == ']' {
			inClass = false
		}
		if !inClass {
			if c == '#' {
				for i < len(pattern) && pattern[i] != '\n' {
					i++
				}
				continue
			}
			if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
				continue
			}
		}
		out.WriteByte(c)
	}
	return out.String()
}
