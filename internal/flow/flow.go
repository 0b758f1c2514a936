package flow

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowloom/sentryd/internal/gid"
)

// Phase is the flow-level lifecycle phase used to select a timeout (§3's
// per-protocol timeout table). It is deliberately coarser than a TCP
// session's own state machine (internal/tcpstream owns that); the stream
// engine narrates phase transitions into the flow as it advances its own
// state machine.
type Phase uint8

const (
	PhaseNew Phase = iota
	PhaseEstablished
	PhaseClosed
)

// Flags records boolean flow attributes (§3).
type Flags uint16

const (
	FlagIPv4 Flags = 1 << iota
	FlagIPv6
	FlagEmergency // flow created/aged under memory pressure
)

// ProtoState is the protocol-specific state object a Flow owns exclusively
// (for TCP, a *tcpstream.Session). Kept as an interface rather than a
// concrete dependency so this package never imports a protocol package —
// avoiding an import cycle, since protocol packages need to lock the
// flow's mutex (§5: "TCP state transitions and stream writes hold it").
type ProtoState interface {
	// Free releases any pooled resources (segments, stream messages) the
	// state object still owns. Called by the manager with the flow's
	// mutex held.
	Free()
}

// Flow is a bidirectional conversation record (§3). Every packet or stream
// message that references a Flow must call IncRef on attachment and
// DecRef on release; the manager never reclaims a Flow whose reference
// count is non-zero (§4.2).
type Flow struct {
	mu sync.Mutex

	ID    gid.FlowID
	Tuple Tuple // canonical (low,high) orientation

	CreatedAt time.Time
	lastSeen  int64 // unix nano, atomic

	PktsToServer  uint64
	PktsToClient  uint64
	BytesToServer uint64
	BytesToClient uint64

	Proto ProtoState
	Phase Phase
	Flags Flags

	useCnt int32

	// intrusive bucket chain
	next, prev *Flow
}

func newFlow(tuple Tuple, now time.Time) *Flow {
	f := &Flow{
		ID:        gid.NewFlowID(),
		Tuple:     tuple,
		CreatedAt: now,
	}
	f.touch(now)
	return f
}

// Lock/Unlock expose the flow's mutex to the stream engine, which must
// hold it across TCP state transitions and stream writes (§5).
func (f *Flow) Lock()   { f.mu.Lock() }
func (f *Flow) Unlock() { f.mu.Unlock() }

func (f *Flow) touch(now time.Time) {
	atomic.StoreInt64(&f.lastSeen, now.UnixNano())
}

// LastSeen returns the timestamp of the most recently processed packet.
func (f *Flow) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&f.lastSeen))
}

// IncRef bumps the reference count; called when a packet or stream message
// attaches to this flow.
func (f *Flow) IncRef() { atomic.AddInt32(&f.useCnt, 1) }

// DecRef releases a reference; called when a packet finishes processing or
// a stream message referencing this flow is freed.
func (f *Flow) DecRef() { atomic.AddInt32(&f.useCnt, -1) }

// UseCount reports the current reference count. The manager may reclaim a
// flow only when this is zero (§4.2, and the §8 ref-counting invariant).
func (f *Flow) UseCount() int32 { return atomic.LoadInt32(&f.useCnt) }

// reset clears a Flow for reuse from the pool. Called by the manager after
// freeing Proto and before returning the Flow to its pool.
func (f *Flow) reset() {
	f.ID = gid.FlowID{}
	f.Tuple = Tuple{}
	f.CreatedAt = time.Time{}
	atomic.StoreInt64(&f.lastSeen, 0)
	f.PktsToServer, f.PktsToClient = 0, 0
	f.BytesToServer, f.BytesToClient = 0, 0
	f.Proto = nil
	f.Phase = PhaseNew
	f.Flags = 0
	atomic.StoreInt32(&f.useCnt, 0)
	f.next, f.prev = nil, nil
}

// RecordPacket updates per-direction counters and the last-seen timestamp.
// toServer is relative to the flow's canonical orientation (see
// Canonicalize).
func (f *Flow) RecordPacket(toServer bool, payloadLen int, now time.Time) {
	if toServer {
		f.PktsToServer++
		f.BytesToServer += uint64(payloadLen)
	} else {
		f.PktsToClient++
		f.BytesToClient += uint64(payloadLen)
	}
	f.touch(now)
}
