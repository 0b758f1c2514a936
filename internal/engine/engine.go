// Package engine wires every core package into the pipeline spec.md §2
// describes: acquire from the pool, decode, attach/advance flow and TCP
// stream state, run the application-layer parsers and detection engine
// against the resulting buffers, compute a verdict, fan out to every
// output, and return the packet to its pool. It is the glue
// internal/pipeline, internal/flow, internal/tcpstream, internal/detect,
// internal/applayer, internal/verdict, internal/counters and
// internal/output don't — and can't, without depending on each other —
// provide themselves.
package engine

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	"github.com/flowloom/sentryd/internal/applayer"
	"github.com/flowloom/sentryd/internal/counters"
	"github.com/flowloom/sentryd/internal/detect"
	"github.com/flowloom/sentryd/internal/flow"
	"github.com/flowloom/sentryd/internal/memview"
	"github.com/flowloom/sentryd/internal/output"
	"github.com/flowloom/sentryd/internal/packet"
	"github.com/flowloom/sentryd/internal/pipeline"
	"github.com/flowloom/sentryd/internal/pool"
	"github.com/flowloom/sentryd/internal/source"
	"github.com/flowloom/sentryd/internal/tcpstream"
	"github.com/flowloom/sentryd/internal/verdict"
)

// Config is everything the engine needs to start running: rule set,
// protocol parsers, sinks, and the tunables §5's concurrency/resource
// model and §9's Open Question resolutions expose.
type Config struct {
	Workers  int // "workers" runmode: each worker runs the full slot chain (§6 runmode names)
	QueueCap int

	PoolCapacity int
	FlowCapacity int
	FlowMemcap   int64
	FlowSweep    time.Duration

	Stream tcpstream.Config

	CounterInterval time.Duration
}

// DefaultConfig mirrors internal/tcpstream.DefaultConfig's documented,
// conservative choices (§9).
var DefaultConfig = Config{
	Workers:         4,
	QueueCap:        1024,
	PoolCapacity:    8192,
	FlowCapacity:    4096,
	FlowMemcap:      64 << 20,
	FlowSweep:       5 * time.Second,
	Stream:          tcpstream.DefaultConfig,
	CounterInterval: 10 * time.Second,
}

// Engine owns every long-lived component one sentryd process needs.
type Engine struct {
	cfg     Config
	pool    *pool.Pool[*packet.Packet]
	flows   *flow.Table
	flowMgr *flow.Manager
	detect  *detect.Engine
	apps    *applayer.Registry
	out     output.Output
	reg     *counters.Registry
	stage   *pipeline.Stage
	ctrl    *pipeline.Controller
	logger  *log.Logger

	src source.Source // set for the duration of Run, so release can deliver verdicts
}

// New builds an Engine around a compiled signature set, a protocol-parser
// registry, and the output fan-out §6 says every finalised packet and
// stats tick goes to.
func New(cfg Config, sigs []*detect.Signature, apps *applayer.Registry, out output.Output) *Engine {
	e := &Engine{
		cfg:    cfg,
		pool:   pool.New(cfg.PoolCapacity, func() *packet.Packet { return &packet.Packet{} }),
		flows:  flow.NewTable(cfg.FlowCapacity, cfg.FlowMemcap),
		detect: detect.Build(sigs),
		apps:   apps,
		out:    out,
		reg:    counters.NewRegistry(),
		logger: log.New(os.Stderr, "engine: ", log.LstdFlags),
	}
	e.flowMgr = flow.NewManager(e.flows, e.cfg.FlowSweep, log.New(os.Stderr, "flow: ", log.LstdFlags))

	in := pipeline.NewQueue(cfg.QueueCap)
	store := counters.NewStore("pipeline")
	e.reg.Register(store)

	e.stage = &pipeline.Stage{
		Name:    "pipeline",
		Workers: cfg.Workers,
		Slots: []pipeline.Slot{
			e.flowSlot(store),
			e.detectSlot(store),
			e.verdictSlot(store),
		},
		In:      in,
		Out:     nil, // terminal stage: Release fans out and returns the packet
		Handler: &pipeline.FIFOHandler{},
		Release: e.release,
	}
	e.ctrl = pipeline.NewController(e.stage)
	return e
}

// Run opens src, starts every worker and management goroutine, and feeds
// packets from src.Poll into the pipeline until src is exhausted or ctx is
// canceled. It blocks until the pipeline has drained and every worker has
// exited.
func (e *Engine) Run(ctx context.Context, src source.Source) error {
	if err := src.Open(ctx); err != nil {
		return err
	}
	defer src.Close()

	e.src = src
	defer func() { e.src = nil }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go e.flowMgr.Run(ctx)
	go counters.Wakeup(ctx, e.reg, e.cfg.CounterInterval, func(t counters.Table) {
		if err := e.out.LogStats(t); err != nil {
			e.logger.Printf("log_stats: %v", err)
		}
	})

	e.ctrl.Start()

	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		e.feed(ctx, src)
	}()

	<-feederDone
	e.ctrl.Shutdown(5 * time.Second)

	// Packets still sitting in the input queue when the last worker exited
	// never reached Release; return them to the pool directly so the §8
	// packet-conservation invariant (alloc count == return count) holds
	// even across a shutdown mid-stream.
	e.stage.In.Drain(func(pkt *packet.Packet) { e.pool.Put(pkt) })

	return nil
}

// feed polls src until it's exhausted, decoding each raw frame into a
// pool-acquired packet.Packet and pushing it into the pipeline's input
// queue (§6: "poll(state) -> Packet | EOF | timeout").
func (e *Engine) feed(ctx context.Context, src source.Source) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := src.Poll()
		if err == io.EOF {
			return
		}
		if err != nil {
			e.logger.Printf("poll: %v", err)
			return
		}

		pkt, ok := e.pool.Get()
		if !ok {
			continue // pool exhausted (§7 FlowMemcap-style backpressure): drop the frame
		}
		pkt.Reset()
		packet.Decode(pkt, raw.Data, raw.Datalink, raw.CI)
		pkt.SourceHandle = raw.Handle

		if err := e.stage.In.Push(ctx, pkt); err != nil {
			e.pool.Put(pkt)
		}
	}
}

// flowSlot attaches (or creates) the flow for an IP packet and, for TCP,
// advances the session's reassembly state machine; each reassembled
// stream message is parsed into pkt.AppEvents and scanned by
// scanStreamMsg right away (§4.2, §4.3).
func (e *Engine) flowSlot(store *counters.Store) pipeline.Slot {
	return func(tv *pipeline.ThreadVars, pkt *packet.Packet, prePQ, postPQ *pipeline.PacketQueue) pipeline.SlotResult {
		if pkt.SrcIP == nil || pkt.DstIP == nil {
			return pipeline.SlotOK // non-IP or undecodable traffic never gets a flow
		}

		tuple := flow.Tuple{SrcIP: pkt.SrcIP, DstIP: pkt.DstIP, SrcPort: pkt.SrcPort, DstPort: pkt.DstPort, Proto: pkt.Proto}
		f, toServer, created, ok := e.flows.Lookup(tuple, pkt.Timestamp)
		if !ok {
			store.Incr(counters.CounterFlowMemcap, 1)
			return pipeline.SlotOK // emergency mode refused a new flow; packet still proceeds unattached
		}
		// Held until release, not DecRef'd here: detectSlot/verdictSlot and
		// the output/verdict stage still read pkt.Flow after this slot
		// returns, and the manager must not reclaim the flow out from under
		// them (§4.2's ref-count discipline).

		pkt.Flow = f
		pkt.ToServer = toServer
		f.RecordPacket(toServer, len(pkt.Payload), pkt.Timestamp)

		if pkt.Proto == 6 && pkt.TCP != nil {
			e.advanceStream(tv, pkt, f, toServer, created, store)
		}
		return pipeline.SlotOK
	}
}

func (e *Engine) advanceStream(tv *pipeline.ThreadVars, pkt *packet.Packet, f *flow.Flow, toServer, created bool, store *counters.Store) {
	f.Lock()
	defer f.Unlock()

	if f.Proto == nil {
		f.Proto = tcpstream.NewSession(e.cfg.Stream)
	}
	sess, ok := f.Proto.(*tcpstream.Session)
	if !ok {
		return
	}

	tcph := pkt.TCP
	flags := tcpstream.Flags{SYN: tcph.SYN, ACK: tcph.ACK, FIN: tcph.FIN, RST: tcph.RST}
	msgs, events := sess.HandleSegment(toServer, tcpstream.Seq(tcph.Seq), tcpstream.Seq(tcph.Ack), uint32(tcph.Window), flags, memview.New(pkt.Payload), pkt.Timestamp)

	for _, ev := range events {
		switch ev {
		case tcpstream.EventInvalidSequence:
			pkt.SetEvent(packet.EventTCPInvalidSequence)
			store.Incr(counters.CounterTCPInvalidSequence, 1)
		case tcpstream.EventInvalidReset:
			pkt.SetEvent(packet.EventTCPInvalidReset)
			store.Incr(counters.CounterTCPInvalidReset, 1)
		case tcpstream.EventGap:
			pkt.SetEvent(packet.EventStreamGap)
		}
	}

	for _, msg := range msgs {
		e.parseAppLayer(pkt, msg)
		e.scanStreamMsg(pkt, msg, store)
	}

	if f.Phase == flow.PhaseNew && created {
		f.Phase = flow.PhaseEstablished
	}
}

// scanStreamMsg runs the detection engine's scan-MPM pass a second time,
// against a just-emitted reassembled chunk rather than the current
// packet's own payload, so a content pattern split across a TCP segment
// boundary still matches once reassembly has joined the bytes (§4.5).
// Alerts attach to the packet that triggered the flush, the same as a
// direct packet-payload match.
func (e *Engine) scanStreamMsg(pkt *packet.Packet, msg tcpstream.StreamMsg, store *counters.Store) {
	fs := detect.FlowState{ToServer: msg.ToServer, ToClient: !msg.ToServer}
	if pkt.Flow != nil {
		fs.Established = pkt.Flow.Phase == flow.PhaseEstablished
	}

	src, dst := detect.AddrFromIP(pkt.SrcIP), detect.AddrFromIP(pkt.DstIP)
	buffers := detect.Buffers{Payload: []byte(msg.Data.String())}
	alerts := e.detect.Evaluate(pkt.Proto, src, dst, pkt.SrcPort, pkt.DstPort, buffers, fs)
	for _, a := range alerts {
		pkt.AddAlert(a)
	}
	if len(alerts) > 0 {
		store.Incr(counters.CounterAlerts, int64(len(alerts)))
	}
}

// parseAppLayer hands a reassembled stream message to the protocol
// guessed from the flow's destination port — a pragmatic stand-in for
// original_source's content-sniffed protocol-detection state machine,
// which is out of this engine's scope; §6 treats app-layer parsers as
// pluggable and assumes the flow model already knows the negotiated
// protocol by the time detect predicates run.
func (e *Engine) parseAppLayer(pkt *packet.Packet, msg tcpstream.StreamMsg) {
	proto := protocolForPort(pkt.DstPort)
	if proto == "" {
		return
	}
	parser, ok := e.apps.Lookup(proto)
	if !ok {
		return
	}
	data := []byte(msg.Data.String())
	events, err := parser.Parse(msg.ToServer, data)
	if err != nil || len(events) == 0 {
		return
	}
	pkt.AppEvents = append(pkt.AppEvents, events...)
}

func protocolForPort(port uint16) applayer.Protocol {
	switch port {
	case 80, 8080:
		return applayer.ProtoHTTP
	case 443:
		return applayer.ProtoTLS
	case 21:
		return applayer.ProtoFTP
	default:
		return ""
	}
}

// detectSlot builds the buffer view the detection engine inspects and
// evaluates the signature set against it (§4.5).
func (e *Engine) detectSlot(store *counters.Store) pipeline.Slot {
	return func(tv *pipeline.ThreadVars, pkt *packet.Packet, prePQ, postPQ *pipeline.PacketQueue) pipeline.SlotResult {
		buffers := buffersFor(pkt)
		fs := detect.FlowState{ToServer: pkt.ToServer}
		if pkt.Flow != nil {
			fs.Established = pkt.Flow.Phase == flow.PhaseEstablished
			fs.ToClient = !pkt.ToServer
		}

		src, dst := detect.AddrFromIP(pkt.SrcIP), detect.AddrFromIP(pkt.DstIP)
		alerts := e.detect.Evaluate(pkt.Proto, src, dst, pkt.SrcPort, pkt.DstPort, buffers, fs)
		for _, a := range alerts {
			pkt.AddAlert(a)
		}
		if len(alerts) > 0 {
			store.Incr(counters.CounterAlerts, int64(len(alerts)))
		}
		return pipeline.SlotOK
	}
}

// buffersFor assembles a detect.Buffers from the packet's payload plus
// whatever application-layer events the flow slot collected.
func buffersFor(pkt *packet.Packet) detect.Buffers {
	b := detect.Buffers{Payload: pkt.Payload}
	for _, ev := range pkt.AppEvents {
		switch ev.Protocol {
		case applayer.ProtoHTTP:
			b.HasHTTP = true
			if uri, ok := ev.Fields["uri"].(string); ok {
				b.HTTPURI = []byte(uri)
			}
			if raw, ok := ev.Fields["raw_head"].([]byte); ok {
				b.HTTPRawHeader = raw
			}
		case applayer.ProtoTLS:
			b.HasTLS = true
			if v, ok := ev.Fields["version"].(string); ok {
				b.TLSVersion = v
			}
		}
	}
	return b
}

// verdictSlot combines every fired alert's own action into the packet's
// action, strictest wins (§4.5: "respect the per-signature action").
func (e *Engine) verdictSlot(store *counters.Store) pipeline.Slot {
	return func(tv *pipeline.ThreadVars, pkt *packet.Packet, prePQ, postPQ *pipeline.PacketQueue) pipeline.SlotResult {
		for _, a := range pkt.Alerts {
			if severity(a.Action) > severity(pkt.Action) {
				pkt.Action = a.Action
			}
		}
		return pipeline.SlotOK
	}
}

func severity(a packet.Action) int {
	switch {
	case a&packet.ActionReject != 0:
		return 2
	case a&packet.ActionDrop != 0:
		return 1
	default:
		return 0
	}
}

// release is the pipeline's terminal step (§2 stage 8): log to every
// output, deliver the verdict to the source, and return the packet to
// its pool — every packet acquired from the pool passes through exactly
// this path exactly once, the invariant §8 checks via
// pool.AllocCount()/ReturnCount().
func (e *Engine) release(pkt *packet.Packet) {
	if err := e.out.Log(pkt); err != nil {
		e.logger.Printf("output log: %v", err)
	}
	if e.src != nil {
		raw := source.RawPacket{Handle: pkt.SourceHandle}
		if err := verdict.Deliver(e.src, raw, pkt); err != nil {
			e.logger.Printf("verdict: %v", err)
		}
	}
	if pkt.Flow != nil {
		pkt.Flow.DecRef()
	}
	e.pool.Put(pkt)
}

// Stats returns the current merged counters snapshot, with the packet
// pool's alloc/return counts filled in, for callers that want an
// on-demand read outside the wakeup cadence (e.g. a CLI debug command).
func (e *Engine) Stats() counters.Table {
	t := e.reg.Merge(time.Now())
	t.Global[counters.CounterPoolAlloc] = int64(e.pool.AllocCount())
	t.Global[counters.CounterPoolReturn] = int64(e.pool.ReturnCount())
	return t
}
