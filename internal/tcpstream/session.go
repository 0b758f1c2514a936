package tcpstream

import (
	"time"

	"github.com/flowloom/sentryd/internal/memview"
)

// State is the per-session TCP state machine (§4.3).
type State uint8

const (
	StateNone State = iota
	StateSynSent
	StateSynRecv
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateCloseWait
	StateLastAck
	StateTimeWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRecv:
		return "SYN_RECV"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT1"
	case StateFinWait2:
		return "FIN_WAIT2"
	case StateClosing:
		return "CLOSING"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "CLOSED"
	}
}

// TcpStream is one direction's half of a session (§4.3): sequence anchors,
// receive window, the OS policy governing reset validity and overlap
// resolution, and the segment list awaiting reassembly.
type TcpStream struct {
	ISN         Seq
	NextSeq     Seq
	LastAck     Seq
	Window      uint32
	WindowScale uint8
	OSPolicy    OSPolicy

	segs segmentList

	// chunkCursor is the sequence number up to which bytes have already
	// been packaged into a StreamMsg; reassembly resumes from here.
	chunkCursor Seq
	started     bool
	gapSince    time.Time

	// pending holds in-order bytes already popped off segs but not yet
	// long enough to clear the chunk threshold. It carries across calls
	// to HandleSegment so a run of small in-order segments accumulates
	// into one StreamMsg instead of being dropped between calls.
	pending memview.MemView
}

func (s *TcpStream) effectiveWindow() uint32 {
	if s.WindowScale == 0 {
		return s.Window
	}
	return s.Window << s.WindowScale
}

// Session is a per-flow TCP session: state, both directions, and the
// config governing midstream pickup and stream-message sizing.
type Session struct {
	State    State
	Client   TcpStream // client == originator of the flow (toServer side)
	Server   TcpStream
	Midstream bool

	cfg Config
}

// NewSession starts a session in state NONE, ready to observe a handshake
// (or, if cfg.Midstream, to pick one up already in progress).
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg, Midstream: cfg.Midstream}
}

// Free satisfies flow.ProtoState: release any buffered segments back to
// the runtime GC (MemViews don't pool-own their bytes independently of the
// packet they were sliced from, so there's nothing to explicitly return —
// dropping the references here is what lets those packets' buffers be
// reclaimed).
func (s *Session) Free() {
	s.Client.segs = segmentList{}
	s.Server.segs = segmentList{}
	s.Client.pending = memview.MemView{}
	s.Server.pending = memview.MemView{}
}

func (s *TcpStream) policy() OSPolicy { return s.OSPolicy }
