package detect

import (
	"sort"
	"strconv"
	"strings"

	"github.com/flowloom/sentryd/internal/mpm"
)

// SigGroupHead is the group of signatures applying to one cell of the
// detection lookup (§3). It owns the scan-tier MPM context built from its
// members' packet-buffer content patterns.
//
// original_source builds two owned MPM contexts per group (scan: the
// first-pass filter; search: confirmation over the remaining, less
// selective patterns). This package collapses that into one: mpm.Ctx's
// Scan already performs exact, case-aware confirmation internally (see
// internal/mpm's ConfirmAt call inside its BNDMq candidate path), so a
// second automaton pass over the same buffer would re-derive a result
// the first pass already confirmed. The match-list walk in engine.go's
// evalSignature is what plays the "search" role the spec describes:
// buffer-aware confirmation (packet payload vs. http_uri vs.
// http_raw_header) and within/distance chain verification per signature.
type SigGroupHead struct {
	// Signatures holds every member's SigIntID in ascending order (§4.5
	// scenario 3: alerts fire in ascending sid order).
	Signatures []uint32

	Mpm *mpm.Ctx
}

// buildSigGroupHead compiles the scan-tier MPM context from member's
// BufferPacket content patterns. Members with no such pattern (pure
// pcre/predicate rules) still belong to the group — they're simply never
// proposed as MPM candidates and are evaluated directly whenever the
// group is otherwise selected.
func buildSigGroupHead(members []*Signature) *SigGroupHead {
	ids := make([]uint32, 0, len(members))
	var patterns []mpm.Pattern
	seen := make(map[uint32]bool)

	for _, sig := range members {
		ids = append(ids, sig.SigIntID)
		for _, me := range sig.Match {
			if me.Kind != MatchContent || me.Content.Buffer != BufferPacket {
				continue
			}
			if seen[me.Content.ID] {
				continue
			}
			seen[me.Content.ID] = true
			patterns = append(patterns, mpm.Pattern{
				ID:      me.Content.ID,
				Content: me.Content.Bytes,
				Nocase:  me.Content.Nocase,
			})
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return &SigGroupHead{
		Signatures: ids,
		Mpm:        mpm.NewCtx(patterns),
	}
}

// groupDedupKey hashes a member set's pattern membership (§4.5: "hashes
// (content_array, uri_content_array) and reuses an existing MPM context").
// Distinct cells sharing this key reuse the same *SigGroupHead pointer;
// Go's garbage collector makes the original's "copy flag so destructors
// don't double-free" unnecessary — sharing a pointer has no ownership
// cost here.
func groupDedupKey(members []*Signature) string {
	var contentIDs, uriIDs []uint32
	for _, sig := range members {
		for _, me := range sig.Match {
			if me.Kind != MatchContent {
				continue
			}
			switch me.Content.Buffer {
			case BufferPacket:
				contentIDs = append(contentIDs, me.Content.ID)
			case BufferHTTPURI:
				uriIDs = append(uriIDs, me.Content.ID)
			}
		}
	}
	sort.Slice(contentIDs, func(i, j int) bool { return contentIDs[i] < contentIDs[j] })
	sort.Slice(uriIDs, func(i, j int) bool { return uriIDs[i] < uriIDs[j] })

	var b strings.Builder
	for _, id := range contentIDs {
		b.WriteString(strconv.FormatUint(uint64(id), 10))
		b.WriteByte(',')
	}
	b.WriteByte('|')
	for _, id := range uriIDs {
		b.WriteString(strconv.FormatUint(uint64(id), 10))
		b.WriteByte(',')
	}
	return b.String()
}
