package mpm

// MatchConstraint is a content pattern's absolute offset/depth window
// (§4.4): the match must start at or after Offset and end at or before
// Depth, both measured from the start of the inspected buffer.
type MatchConstraint struct {
	Offset, Depth       int
	HasOffset, HasDepth bool
}

// Satisfies reports whether a match at [offset, offset+matchLen) obeys
// the constraint.
func (c MatchConstraint) Satisfies(offset, matchLen int) bool {
	if c.HasOffset && offset < c.Offset {
		return false
	}
	if c.HasDepth && offset+matchLen > c.Depth {
		return false
	}
	return true
}

// ChainConstraint is a content pattern's distance/within window relative
// to the end of the previous pattern in its match-list chain (§4.4):
// O + len_k + distance <= O' <= O + len_k + distance + within.
type ChainConstraint struct {
	Distance, Within       int
	HasDistance, HasWithin bool
}

// Satisfies reports whether a candidate starting at offset, given the
// previous match's end position prevEnd, falls inside the chain window.
func (c ChainConstraint) Satisfies(prevEnd, offset int) bool {
	lo := prevEnd
	if c.HasDistance {
		lo = prevEnd + c.Distance
	}
	if offset < lo {
		return false
	}
	if c.HasWithin {
		hi := lo + c.Within
		if c.HasDistance {
			hi = prevEnd + c.Distance + c.Within
		} else {
			hi = prevEnd + c.Within
		}
		if offset > hi {
			return false
		}
	}
	return true
}

// FindChained scans data for the next occurrence of pattern that lands
// inside the window described by constraint, relative to prevEnd (the
// end offset of the previous pattern confirmed in the same match-list
// chain). It's a linear confirmation search rather than a fresh MPM
// pass: within/distance windows are narrow by construction, so a second
// automaton run would cost more than it saves.
//
// Recursion lives in the caller (the detect engine's match-list walk):
// each successful FindChained call produces a new prevEnd to feed the
// next link, exactly mirroring original_source's per-signature content
// chain evaluation.
func FindChained(data []byte, pattern []byte, nocase bool, prevEnd int, constraint ChainConstraint) (offset int, ok bool) {
	lo := prevEnd
	if constraint.HasDistance {
		lo += constraint.Distance
	}
	if lo < 0 {
		lo = 0
	}

	hi := len(data) - len(pattern)
	if constraint.HasWithin {
		limit := prevEnd + constraint.Within
		if constraint.HasDistance {
			limit = prevEnd + constraint.Distance + constraint.Within
		}
		if limit < hi {
			hi = limit
		}
	}

	for o := lo; o <= hi; o++ {
		if ConfirmAt(data, o, pattern, nocase) {
			return o, true
		}
	}
	return 0, false
}
