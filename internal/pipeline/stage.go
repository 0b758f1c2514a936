package pipeline

import (
	"context"

	"github.com/flowloom/sentryd/internal/packet"
)

// SlotResult is a slot's outcome: OK lets the packet continue to the next
// slot/stage; Failed aborts the stage and triggers shutdown (§4.1's
// failure semantics — a failed slot is an invariant violation, not a
// per-packet data-plane error, which instead sets a packet.EventFlag and
// lets processing continue).
type SlotResult uint8

const (
	SlotOK SlotResult = iota
	SlotFailed
)

// PacketQueue is the pre/post packet list a slot can append to: pre-pq
// packets are processed before the current packet (tunnel inner packets,
// §4.6), post-pq packets are drained after (reassembled stream messages
// becoming their own packets downstream).
type PacketQueue struct {
	items []*packet.Packet
}

func (q *PacketQueue) Push(pkt *packet.Packet) { q.items = append(q.items, pkt) }

func (q *PacketQueue) Drain() []*packet.Packet {
	out := q.items
	q.items = nil
	return out
}

// Slot is one module invocation in a stage's ordered slot list (§4.1).
type Slot func(tv *ThreadVars, pkt *packet.Packet, prePQ, postPQ *PacketQueue) SlotResult

// Stage runs one or more worker goroutines, each pulling from In, running
// every slot in order against each packet, and pushing survivors to one
// of Out via Handler. A slot returning SlotFailed marks the ThreadVars
// failed and stops that worker; it's the controller's job to notice and
// begin shutdown (§4.1).
type Stage struct {
	Name    string
	Workers int
	Slots   []Slot

	In      *Queue
	Out     []*Queue
	Handler Handler

	// OnFailure is invoked (if non-nil) when a worker's slot chain fails,
	// so the controller can initiate global shutdown without this package
	// importing one.
	OnFailure func(tv *ThreadVars, pkt *packet.Packet)

	// Release returns a packet to its pool once every output queue push
	// is done (or the packet was dropped by a failed slot) — the §8
	// packet-conservation discipline (every acquired packet is returned
	// exactly once).
	Release func(pkt *packet.Packet)

	tvs []*ThreadVars
}

// Run starts Workers goroutines and returns without waiting for them;
// done, if non-nil, is called once they are launched. Workers exit when
// ctx is done (the controller's Shutdown waits on them, per §4.1's
// shutdown sequence).
func (s *Stage) Run(ctx context.Context, done func()) {
	for i := 0; i < s.Workers; i++ {
		tv := NewThreadVars(s.Name, i)
		tv.MarkInitDone()
		s.tvs = append(s.tvs, tv)

		go s.runWorker(ctx, tv)
	}
	if done != nil {
		done()
	}
}

func (s *Stage) runWorker(ctx context.Context, tv *ThreadVars) {
	defer tv.MarkClosed()

	for {
		pkt, ok := s.In.Pop(ctx)
		if !ok {
			tv.MarkKilled()
			return
		}

		prePQ, postPQ := &PacketQueue{}, &PacketQueue{}
		if !s.runSlots(tv, pkt, prePQ, postPQ) {
			tv.MarkFailed()
			if s.OnFailure != nil {
				s.OnFailure(tv, pkt)
			}
			if s.Release != nil {
				s.Release(pkt)
			}
			return
		}

		for _, inner := range prePQ.Drain() {
			s.forward(ctx, inner)
		}
		s.forward(ctx, pkt)
		for _, msg := range postPQ.Drain() {
			s.forward(ctx, msg)
		}
	}
}

func (s *Stage) runSlots(tv *ThreadVars, pkt *packet.Packet, prePQ, postPQ *PacketQueue) bool {
	for _, slot := range s.Slots {
		if slot(tv, pkt, prePQ, postPQ) == SlotFailed {
			return false
		}
	}
	return true
}

func (s *Stage) forward(ctx context.Context, pkt *packet.Packet) {
	if len(s.Out) == 0 {
		if s.Release != nil {
			s.Release(pkt)
		}
		return
	}
	q := s.Handler.Select(pkt, s.Out)
	if err := q.Push(ctx, pkt); err != nil && s.Release != nil {
		s.Release(pkt)
	}
}

// ThreadVarsList returns every ThreadVars this stage started, for the
// controller's shutdown join and failure polling.
func (s *Stage) ThreadVarsList() []*ThreadVars { return s.tvs }
