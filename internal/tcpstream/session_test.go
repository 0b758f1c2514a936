package tcpstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloom/sentryd/internal/memview"
)

func testConfig() Config {
	return Config{
		Midstream:         false,
		MinChunkLenInit:   3,
		MinChunkLenSteady: 3,
		GapTimeout:        50 * time.Millisecond,
	}
}

func mv(s string) memview.MemView { return memview.New([]byte(s)) }

func TestHandshakeAdvancesToEstablished(t *testing.T) {
	s := NewSession(testConfig())
	now := time.Now()

	_, events := s.HandleSegment(true, 10, 0, 1024, Flags{SYN: true}, mv(""), now)
	assert.Empty(t, events)
	assert.Equal(t, StateSynSent, s.State)

	_, events = s.HandleSegment(false, 20, 11, 1024, Flags{SYN: true, ACK: true}, mv(""), now)
	assert.Empty(t, events)
	assert.Equal(t, StateSynRecv, s.State)

	_, events = s.HandleSegment(true, 11, 21, 1024, Flags{ACK: true}, mv(""), now)
	assert.Empty(t, events)
	assert.Equal(t, StateEstablished, s.State)
}

func TestFullCloseSequence(t *testing.T) {
	s := NewSession(testConfig())
	now := time.Now()
	s.HandleSegment(true, 10, 0, 1024, Flags{SYN: true}, mv(""), now)
	s.HandleSegment(false, 20, 11, 1024, Flags{SYN: true, ACK: true}, mv(""), now)
	s.HandleSegment(true, 11, 21, 1024, Flags{ACK: true}, mv(""), now)
	require.Equal(t, StateEstablished, s.State)

	s.HandleSegment(true, 11, 21, 1024, Flags{FIN: true, ACK: true}, mv(""), now)
	assert.Equal(t, StateFinWait1, s.State)

	s.HandleSegment(false, 21, 12, 1024, Flags{ACK: true}, mv(""), now)
	assert.Equal(t, StateFinWait2, s.State)

	s.HandleSegment(false, 21, 12, 1024, Flags{FIN: true, ACK: true}, mv(""), now)
	assert.Equal(t, StateTimeWait, s.State)

	s.HandleSegment(true, 12, 22, 1024, Flags{ACK: true}, mv(""), now)
	assert.Equal(t, StateClosed, s.State)
}

func establishedSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(testConfig())
	now := time.Now()
	s.HandleSegment(true, 10, 0, 1024, Flags{SYN: true}, mv(""), now)
	s.HandleSegment(false, 20, 11, 1024, Flags{SYN: true, ACK: true}, mv(""), now)
	s.HandleSegment(true, 11, 21, 1024, Flags{ACK: true}, mv(""), now)
	require.Equal(t, StateEstablished, s.State)
	return s
}

func TestInOrderPayloadFlushesOnThreshold(t *testing.T) {
	s := establishedSession(t)
	now := time.Now()

	msgs, events := s.HandleSegment(true, 11, 21, 1024, Flags{ACK: true}, mv("abc"), now)
	assert.Empty(t, events)
	require.Len(t, msgs, 1)
	assert.Equal(t, "abc", msgs[0].Data.String())
	assert.NotZero(t, msgs[0].Flags&MsgStart)
}

func TestOutOfOrderPayloadBuffersUntilGapFills(t *testing.T) {
	s := establishedSession(t)
	now := time.Now()

	// Second chunk arrives first: held, nothing to flush yet.
	msgs, _ := s.HandleSegment(true, 14, 21, 1024, Flags{ACK: true}, mv("def"), now)
	assert.Empty(t, msgs)

	// Gap fills: both chunks now flush in order.
	msgs, _ = s.HandleSegment(true, 11, 21, 1024, Flags{ACK: true}, mv("abc"), now)
	require.Len(t, msgs, 1)
	assert.Equal(t, "abcdef", msgs[0].Data.String())
}

func TestGapTimeoutSkipsAheadAndEmitsGapEvent(t *testing.T) {
	s := establishedSession(t)
	s.cfg.MinChunkLenInit = 1000 // force the flush to depend on the gap, not the threshold

	start := time.Now()
	msgs, _ := s.HandleSegment(true, 14, 21, 1024, Flags{ACK: true}, mv("def"), start)
	assert.Empty(t, msgs)

	later := start.Add(time.Second)
	msgs, events := s.HandleSegment(true, 14, 21, 1024, Flags{ACK: true}, mv(""), later)
	require.Len(t, msgs, 1)
	assert.NotZero(t, msgs[0].Flags&MsgGap)
	assert.Contains(t, events, EventGap)
	assert.Equal(t, "def", msgs[0].Data.String())
}

func TestRetransmissionIsAccepted(t *testing.T) {
	s := establishedSession(t)
	now := time.Now()

	s.HandleSegment(true, 11, 21, 1024, Flags{ACK: true}, mv("ab"), now)
	// identical retransmission of the same bytes
	msgs, events := s.HandleSegment(true, 11, 21, 1024, Flags{ACK: true}, mv("ab"), now)
	assert.Empty(t, events)
	assert.Empty(t, msgs) // still short of the 3-byte threshold either way
}

// TestInOrderSegmentsCombineAcrossCalls checks the cross-call accumulation
// scenario 2 (spec.md:245) relies on, on a handshaken session: an in-order
// segment short of the chunk threshold must not
// be lost between calls to HandleSegment. "AAA" arrives first and alone is
// too short to flush; "CCC" arrives later, contiguous with it, and only the
// combined "AAACCC" clears the threshold and is emitted as one StreamMsg.
func TestInOrderSegmentsCombineAcrossCalls(t *testing.T) {
	s := establishedSession(t)
	s.cfg.MinChunkLenInit = 6
	now := time.Now()

	msgs, events := s.HandleSegment(true, 11, 21, 1024, Flags{ACK: true}, mv("AAA"), now)
	assert.Empty(t, events)
	assert.Empty(t, msgs, "a 3-byte run under a 6-byte threshold must not flush yet")

	msgs, events = s.HandleSegment(true, 14, 21, 1024, Flags{ACK: true}, mv("CCC"), now)
	assert.Empty(t, events)
	require.Len(t, msgs, 1)
	assert.Equal(t, "AAACCC", msgs[0].Data.String(), "the first call's bytes must survive into the second call's flush, not be dropped")
	assert.NotZero(t, msgs[0].Flags&MsgStart)
}

func TestInvalidSequenceOutsideWindowIsRejected(t *testing.T) {
	s := establishedSession(t)
	now := time.Now()

	_, events := s.HandleSegment(true, 100000, 21, 10, Flags{ACK: true}, mv("abc"), now)
	assert.Contains(t, events, EventInvalidSequence)
}

func TestResetValidityGroups(t *testing.T) {
	testCases := []struct {
		name    string
		policy  OSPolicy
		seq     Seq
		nextSeq Seq
		lastAck Seq
		window  uint32
		plen    int
		valid   bool
	}{
		{"bsd exact match", OSPolicyBSD, 100, 100, 90, 1000, 0, true},
		{"bsd mismatch", OSPolicyBSD, 101, 100, 90, 1000, 0, false},
		{"hpux11 at boundary", OSPolicyHPUX11, 100, 100, 90, 1000, 0, true},
		{"hpux11 past boundary", OSPolicyHPUX11, 150, 100, 90, 1000, 0, true},
		{"hpux11 before boundary", OSPolicyHPUX11, 99, 100, 90, 1000, 0, false},
		{"linux within window", OSPolicyLinux, 150, 100, 90, 1000, 0, true},
		{"linux outside window", OSPolicyLinux, 5000, 100, 90, 1000, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.policy.validReset(tc.seq, tc.nextSeq, tc.lastAck, tc.window, tc.plen)
			assert.Equal(t, tc.valid, got)
		})
	}
}
