package tcpstream

import (
	"time"

	"github.com/flowloom/sentryd/internal/memview"
)

// Config governs midstream pickup and stream-message sizing (§9's Open
// Question resolutions).
type Config struct {
	// Midstream allows picking up a session first observed mid-handshake
	// (SYN+ACK or a bare ACK as the first segment seen). Defaults to
	// false: rejecting midstream pickup is the conservative choice spec.md's
	// open question calls for, since accepting one means the reassembler's
	// sequence anchors are inferred rather than observed from a SYN.
	Midstream bool

	// MinChunkLenInit is the contiguous-byte threshold used for the first
	// stream message of each direction; MinChunkLenSteady applies after.
	// Splitting the two lets the first chunk (typically a request line and
	// headers) flush promptly for low detection latency, while later,
	// larger transfers batch into fewer, larger messages. Defaults mirror
	// the orders of magnitude in original_source/src/stream-tcp.c's
	// inline constants.
	MinChunkLenInit   int
	MinChunkLenSteady int

	// GapTimeout bounds how long reassembly holds bytes waiting for a gap
	// to fill before emitting a STREAM_GAP message and skipping ahead.
	GapTimeout time.Duration
}

// DefaultConfig is the conservative, documented default (§9).
var DefaultConfig = Config{
	Midstream:         false,
	MinChunkLenInit:   2560,
	MinChunkLenSteady: 4096,
	GapTimeout:        3 * time.Second,
}

// Flags is the subset of TCP control bits the state machine acts on.
type Flags struct {
	SYN, ACK, FIN, RST bool
}

// Event records a non-fatal anomaly observed while advancing a session,
// mirrored into internal/packet.EventFlag by the caller so this package
// never has to import packet (which would cycle back through flow).
type Event uint8

const (
	EventInvalidSequence Event = iota
	EventInvalidReset
	EventMidstreamRejected
	EventGap
)

// MsgFlags marks a StreamMsg's position in its direction's byte stream.
type MsgFlags uint8

const (
	MsgStart MsgFlags = 1 << iota
	MsgEOF
	MsgGap
)

// StreamMsg is a bounded chunk of reassembled, in-order bytes handed to
// app-layer parsers and the detection engine (§3, §4.3).
type StreamMsg struct {
	ToServer bool
	Data     memview.MemView
	Flags    MsgFlags
}

func maxSeq(a, b Seq) Seq {
	if seqGT(b, a) {
		return b
	}
	return a
}

// HandleSegment advances the session's state machine with one observed
// segment and returns any stream messages the reassembler could package
// as a result, plus any anomalies worth recording as events.
func (s *Session) HandleSegment(toServer bool, seq, ack Seq, window uint32, flags Flags, payload memview.MemView, now time.Time) ([]StreamMsg, []Event) {
	self, peer := &s.Server, &s.Client
	if toServer {
		self, peer = &s.Client, &s.Server
	}
	self.Window = window

	if flags.RST {
		if self.policy().validReset(seq, self.NextSeq, self.LastAck, self.effectiveWindow(), int(payload.Len())) {
			s.State = StateClosed
			return nil, nil
		}
		return nil, []Event{EventInvalidReset}
	}

	var events []Event
	s.advanceState(self, peer, toServer, seq, ack, flags, &events)

	if flags.ACK {
		peer.LastAck = maxSeq(peer.LastAck, ack)
	}

	if s.State == StateClosed {
		return nil, events
	}

	if payload.Len() > 0 {
		if !validSequence(self, seq, int(payload.Len())) {
			events = append(events, EventInvalidSequence)
			return nil, events
		}
		self.segs.insert(&Segment{Seq: seq, Payload: payload}, self.policy().overlapPolicy())
		self.NextSeq = maxSeq(self.NextSeq, Seq(uint32(seq)+uint32(payload.Len())))
	}

	// emitChunks runs on every segment, not just payload-bearing ones, so a
	// pure ACK (or any other control packet) can still surface a
	// previously-buffered gap once its timeout has elapsed (§4.3).
	eof := s.State == StateTimeWait || s.State == StateLastAck
	msgs, gapEvent := emitChunks(self, toServer, s.cfg, now, eof)
	if gapEvent {
		events = append(events, EventGap)
	}
	return msgs, events
}

// validSequence enforces §4.3's envelope check: last_ack <= seq and
// seq+len <= last_ack+window.
func validSequence(self *TcpStream, seq Seq, payloadLen int) bool {
	if !seqLE(self.LastAck, seq) {
		return false
	}
	end := Seq(uint32(seq) + uint32(payloadLen))
	return seqLE(end, Seq(uint32(self.LastAck)+self.effectiveWindow()))
}

func (s *Session) advanceState(self, peer *TcpStream, toServer bool, seq, ack Seq, flags Flags, events *[]Event) {
	switch s.State {
	case StateNone:
		switch {
		case flags.SYN && !flags.ACK:
			self.ISN = seq
			self.NextSeq = seq + 1
			self.LastAck = seq
			self.chunkCursor = self.NextSeq
			s.State = StateSynSent
		case flags.SYN && flags.ACK:
			if !s.Midstream {
				*events = append(*events, EventMidstreamRejected)
				return
			}
			self.ISN = seq
			self.NextSeq = seq + 1
			self.LastAck = ack
			self.chunkCursor = self.NextSeq
			peer.LastAck = ack
			s.State = StateSynRecv
		case flags.ACK:
			if !s.Midstream {
				*events = append(*events, EventMidstreamRejected)
				return
			}
			self.NextSeq = seq
			self.LastAck = seq
			self.chunkCursor = seq
			peer.NextSeq = ack
			peer.LastAck = ack
			peer.chunkCursor = ack
			s.State = StateEstablished
		case flags.FIN:
			s.State = StateClosed
		}

	case StateSynSent:
		if flags.SYN && flags.ACK {
			self.ISN = seq
			self.NextSeq = seq + 1
			self.LastAck = seq
			self.chunkCursor = self.NextSeq
			peer.LastAck = maxSeq(peer.LastAck, ack)
			s.State = StateSynRecv
		}
		// duplicate SYN: ignore

	case StateSynRecv:
		switch {
		case flags.ACK && !flags.SYN:
			s.State = StateEstablished
		case flags.FIN:
			s.closeFrom(toServer)
		}

	case StateEstablished:
		if flags.FIN {
			s.closeFrom(toServer)
		}

	case StateFinWait1:
		switch {
		case flags.FIN:
			s.State = StateTimeWait
		case flags.ACK:
			s.State = StateFinWait2
		}

	case StateFinWait2:
		if flags.ACK || flags.FIN {
			s.State = StateTimeWait
		}

	case StateClosing:
		if flags.ACK {
			s.State = StateTimeWait
		}

	case StateCloseWait:
		if flags.FIN {
			s.State = StateLastAck
		}

	case StateLastAck:
		if flags.ACK {
			s.State = StateClosed
		}

	case StateTimeWait:
		if flags.ACK || flags.FIN {
			s.State = StateClosed
		}
	}
}

// closeFrom applies the table's "→ CLOSE_WAIT/FIN_WAIT1" split: the side
// that sent the FIN moves its peer to wait for the other half of the
// close, while the sender's own stream is now done.
func (s *Session) closeFrom(toServer bool) {
	if toServer {
		s.State = StateFinWait1
	} else {
		s.State = StateCloseWait
	}
}

// emitChunks packages contiguous bytes starting at self.chunkCursor into
// StreamMsgs once the phase-appropriate threshold is met, and handles the
// gap timeout described in §4.3. eof forces a final flush regardless of
// threshold so the closing message can carry MsgEOF. Bytes popped off
// self.segs but short of the threshold are carried in self.pending rather
// than discarded, so a run of small in-order segments across multiple
// calls still combines into one StreamMsg (§3's conservation guarantee).
func emitChunks(self *TcpStream, toServer bool, cfg Config, now time.Time, eof bool) ([]StreamMsg, bool) {
	gapFired := false

	// Drop fully-stale segments (retransmissions of bytes already
	// delivered) without using their bytes a second time.
	for self.segs.head != nil && seqLE(self.segs.head.End(), self.chunkCursor) {
		self.segs.head = self.segs.head.next
	}

	for self.segs.head != nil && seqEQ(self.segs.head.Seq, self.chunkCursor) {
		head := self.segs.head
		self.pending.Append(head.Payload)
		self.chunkCursor = head.End()
		self.segs.head = head.next
		self.gapSince = time.Time{}
	}

	threshold := cfg.MinChunkLenSteady
	if !self.started {
		threshold = cfg.MinChunkLenInit
	}

	gapPending := self.segs.head != nil && seqGT(self.segs.head.Seq, self.chunkCursor)
	if gapPending {
		if self.gapSince.IsZero() {
			self.gapSince = now
		} else if now.Sub(self.gapSince) >= cfg.GapTimeout {
			self.chunkCursor = self.segs.head.Seq
			self.gapSince = time.Time{}
			gapFired = true
			for self.segs.head != nil && seqEQ(self.segs.head.Seq, self.chunkCursor) {
				head := self.segs.head
				self.pending.Append(head.Payload)
				self.chunkCursor = head.End()
				self.segs.head = head.next
			}
		}
	}

	if self.pending.Len() == 0 && !gapFired && !eof {
		return nil, false
	}
	if self.pending.Len() < int64(threshold) && !gapFired && !eof {
		return nil, false
	}

	var flags MsgFlags
	if !self.started {
		flags |= MsgStart
		self.started = true
	}
	if gapFired {
		flags |= MsgGap
	}
	if eof {
		flags |= MsgEOF
	}

	out := self.pending
	self.pending = memview.MemView{}

	return []StreamMsg{{ToServer: toServer, Data: out, Flags: flags}}, gapFired
}
