package tcpstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloom/sentryd/internal/memview"
)

func seg(seq Seq, data string) *Segment {
	return &Segment{Seq: seq, Payload: memview.New([]byte(data))}
}

func collect(l *segmentList) []string {
	var out []string
	for s := l.head; s != nil; s = s.next {
		if !s.empty() {
			out = append(out, s.Payload.String())
		}
	}
	return out
}

func TestOldWinsKeepsFirstSeenBytesOnOverlap(t *testing.T) {
	l := &segmentList{}
	l.insert(seg(10, "AAAA"), overlapOldWins) // covers [10,14)
	l.insert(seg(12, "BBBB"), overlapOldWins) // overlaps [12,14), new [14,16) is a gap-fill

	require.NotNil(t, l.head)
	assert.Equal(t, Seq(10), l.head.Seq)
	assert.Equal(t, "AAAA", l.head.Payload.String())

	// the non-overlapping tail of the second segment should still be present
	var tail *Segment
	for s := l.head; s != nil; s = s.next {
		if s != l.head && !s.empty() {
			tail = s
		}
	}
	require.NotNil(t, tail)
	assert.Equal(t, Seq(14), tail.Seq)
	assert.Equal(t, "BB", tail.Payload.String())
}

func TestNewWinsOverwritesOldBytesOnOverlap(t *testing.T) {
	l := &segmentList{}
	l.insert(seg(10, "AAAA"), overlapNewWins) // [10,14)
	l.insert(seg(12, "BBBB"), overlapNewWins) // [12,16), wins over the tail of the first

	got := collect(l)
	require.Len(t, got, 2)
	assert.Equal(t, "AA", got[0]) // trimmed remainder of the old segment
	assert.Equal(t, "BBBB", got[1])
}

func TestNewWinsSplitsOldSegmentWhenFullyStraddled(t *testing.T) {
	l := &segmentList{}
	l.insert(seg(10, "AAAAAAAA"), overlapNewWins) // [10,18)
	l.insert(seg(12, "XX"), overlapNewWins)       // [12,14), lands entirely inside

	got := collect(l)
	require.Len(t, got, 3)
	assert.Equal(t, "AA", got[0])   // [10,12)
	assert.Equal(t, "XX", got[1])   // [12,14)
	assert.Equal(t, "AAAA", got[2]) // [14,18)
}

func TestNonOverlappingInsertPreservesOrder(t *testing.T) {
	l := &segmentList{}
	l.insert(seg(20, "CCC"), overlapOldWins)
	l.insert(seg(10, "AAA"), overlapOldWins)
	l.insert(seg(15, "BBB"), overlapOldWins)

	got := collect(l)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, got)
}
