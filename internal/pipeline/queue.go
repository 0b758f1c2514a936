package pipeline

import (
	"context"
	"hash/fnv"

	"github.com/flowloom/sentryd/internal/packet"
)

// Queue is a bounded, channel-backed packet queue connecting two stages
// (§4.1: "bounded, lock-protected packet queues"). Pop blocks until a
// packet arrives or its context is cancelled, so raising the kill flag
// (cancelling the context) unblocks it at once (§5's
// "Suspension/blocking points").
type Queue struct {
	ch chan *packet.Packet
}

// NewQueue creates a queue of the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *packet.Packet, capacity)}
}

// Push enqueues pkt, blocking if the queue is full until ctx is done.
func (q *Queue) Push(ctx context.Context, pkt *packet.Packet) error {
	select {
	case q.ch <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next packet, or returns ok=false if ctx is done first
// (the kill-flag unblock point).
func (q *Queue) Pop(ctx context.Context) (pkt *packet.Packet, ok bool) {
	select {
	case pkt = <-q.ch:
		return pkt, true
	case <-ctx.Done():
		return nil, false
	}
}

// Drain empties the queue without blocking, for shutdown's "empty pending
// queues back to the pool" requirement (§4.1's failure semantics). fn is
// called once per drained packet.
func (q *Queue) Drain(fn func(*packet.Packet)) {
	for {
		select {
		case pkt := <-q.ch:
			fn(pkt)
		default:
			return
		}
	}
}

// Handler selects which of a stage's output queues a packet is routed to
// (§4.1: "simple FIFO or flow-affine hashing").
type Handler interface {
	Select(pkt *packet.Packet, queues []*Queue) *Queue
}

// FIFOHandler round-robins across the output queues, giving no per-flow
// ordering guarantee across workers (§5: "with simple handlers, ordering
// is preserved only within a single worker").
type FIFOHandler struct {
	next int
}

func (h *FIFOHandler) Select(_ *packet.Packet, queues []*Queue) *Queue {
	q := queues[h.next%len(queues)]
	h.next++
	return q
}

// FlowAffineHandler pins every packet of a flow to the same output queue
// by hashing its 5-tuple, giving the strict per-flow ordering §5 requires
// when a configuration needs it ("pin flows to a single stream worker via
// flow-affine handlers").
type FlowAffineHandler struct{}

func (FlowAffineHandler) Select(pkt *packet.Packet, queues []*Queue) *Queue {
	h := fnv.New32a()
	h.Write(pkt.SrcIP)
	h.Write(pkt.DstIP)
	h.Write([]byte{byte(pkt.SrcPort >> 8), byte(pkt.SrcPort), byte(pkt.DstPort >> 8), byte(pkt.DstPort), pkt.Proto})
	return queues[h.Sum32()%uint32(len(queues))]
}
