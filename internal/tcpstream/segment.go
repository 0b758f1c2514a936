package tcpstream

import (
	"github.com/flowloom/sentryd/internal/memview"
)

// Segment is one TCP payload as it arrived on the wire: a byte range backed
// by a MemView (borrowed from the packet's pool-owned buffer, per the
// teacher's zero-copy model) plus the sequence numbers it spans.
type Segment struct {
	Seq     Seq
	Payload memview.MemView

	// Acked records that the peer has ack'd this segment's bytes; slice
	// copies it onto the pieces it cuts. The reassembler does not read it:
	// a segment behind an unfilled gap waits for the gap timeout either way.
	Acked bool

	next *Segment
}

// End returns the sequence number one past the segment's last byte.
func (s *Segment) End() Seq { return Seq(uint32(s.Seq) + uint32(s.Payload.Len())) }

func (s *Segment) empty() bool { return s.Payload.Len() == 0 }

// slice returns the portion of s spanning [from, to), or nil if that range
// doesn't intersect s.
func (s *Segment) slice(from, to Seq) *Segment {
	lo, hi := s.Seq, s.End()
	if seqLT(from, lo) {
		from = lo
	}
	if seqGT(to, hi) {
		to = hi
	}
	if !seqLT(from, to) {
		return nil
	}
	off := int64(from) - int64(s.Seq)
	n := int64(to) - int64(from)
	return &Segment{Seq: from, Payload: s.Payload.SubView(off, off+n), Acked: s.Acked}
}

// segmentList is a singly linked list of Segments kept in ascending Seq
// order with no two segments overlapping, used by a TcpStream side to
// buffer out-of-order arrivals before chunked delivery.
type segmentList struct {
	head *Segment
}

// insert places seg into the list, resolving overlap with already-buffered
// segments according to policy (§4.3): overlapOldWins keeps whichever
// bytes were seen first, discarding the newly arrived bytes that collide;
// overlapNewWins lets the newest arrival overwrite what it overlaps.
func (l *segmentList) insert(seg *Segment, policy overlapPolicy) {
	if policy == overlapNewWins {
		l.makeRoomFor(seg)
		l.insertSorted(seg)
		return
	}
	for _, frag := range l.splitIntoGaps(seg) {
		l.insertSorted(frag)
	}
}

// splitIntoGaps returns the pieces of seg that don't overlap any existing
// segment, in sequence order — the "old wins" insertion unit.
func (l *segmentList) splitIntoGaps(seg *Segment) []*Segment {
	var frags []*Segment
	cursor := seg.Seq

	for cur := l.head; cur != nil && seqLT(cursor, seg.End()); cur = cur.next {
		if cur.empty() || !seqLT(cur.Seq, seg.End()) || !seqLT(cursor, cur.End()) {
			continue
		}
		if seqLT(cursor, cur.Seq) {
			if frag := seg.slice(cursor, cur.Seq); frag != nil {
				frags = append(frags, frag)
			}
		}
		if seqGT(cur.End(), cursor) {
			cursor = cur.End()
		}
	}

	if seqLT(cursor, seg.End()) {
		if frag := seg.slice(cursor, seg.End()); frag != nil {
			frags = append(frags, frag)
		}
	}

	return frags
}

// makeRoomFor trims, splits, or drops every existing segment that overlaps
// seg's range, so seg can be inserted whole under "new wins" semantics.
func (l *segmentList) makeRoomFor(seg *Segment) {
	var prev *Segment
	cur := l.head

	for cur != nil {
		next := cur.next
		if cur.empty() || !seqLT(cur.Seq, seg.End()) || !seqLT(seg.Seq, cur.End()) {
			prev = cur
			cur = next
			continue
		}

		left := cur.slice(cur.Seq, seg.Seq)
		right := cur.slice(seg.End(), cur.End())

		switch {
		case left != nil && right != nil:
			// seg lands in the middle of cur: split cur in two around it.
			left.next = right
			right.next = next
			if prev == nil {
				l.head = left
			} else {
				prev.next = left
			}
			prev = right
		case left != nil:
			left.next = next
			if prev == nil {
				l.head = left
			} else {
				prev.next = left
			}
			prev = left
		case right != nil:
			right.next = next
			if prev == nil {
				l.head = right
			} else {
				prev.next = right
			}
			prev = right
		default:
			// cur fully consumed by seg.
			if prev == nil {
				l.head = next
			} else {
				prev.next = next
			}
		}
		cur = next
	}
}

// insertSorted links seg at its sequence position. Caller must ensure seg
// no longer overlaps anything in the list.
func (l *segmentList) insertSorted(seg *Segment) {
	var prev *Segment
	cur := l.head
	for cur != nil && seqLE(cur.Seq, seg.Seq) {
		prev = cur
		cur = cur.next
	}
	seg.next = cur
	if prev == nil {
		l.head = seg
	} else {
		prev.next = seg
	}
}
