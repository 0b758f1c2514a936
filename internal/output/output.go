// Package output implements §6's output plug-in contract: thread_init,
// log, log_stats, thread_deinit. Stage 8 of the pipeline (§2) hands every
// finalised packet, alert list included, to each registered Output before
// returning the packet's buffer to its pool; a separate wakeup goroutine
// hands each Output a read-only internal/counters.Table snapshot.
package output

import (
	"github.com/flowloom/sentryd/internal/counters"
	"github.com/flowloom/sentryd/internal/packet"
)

// StatsTable is the read-only snapshot stats loggers receive (§6).
type StatsTable = counters.Table

// Output is the plug-in contract every logger implements. thread_init is
// each concrete constructor (e.g. NewUnifiedAlertWriter); thread_deinit is
// Close.
type Output interface {
	// Log receives a finalised packet with its alert list (§6). Loggers
	// that only care about a subset of packets (alerts, HTTP requests)
	// inspect pkt and return nil for the rest.
	Log(pkt *packet.Packet) error
	// LogStats receives a read-only counters snapshot (§6). Loggers that
	// don't emit stats implement this as a no-op.
	LogStats(table StatsTable) error
	Close() error
}

// Fanout hands every packet and stats tick to a fixed set of Outputs,
// continuing past a failing one (§7's OutputIoError: "log, continue").
// ErrCounter, if set, is bumped once per failing Log/LogStats call so the
// failure surfaces as a counter rather than aborting the stage.
type Fanout struct {
	Outputs    []Output
	ErrCounter *counters.Store
}

func (f *Fanout) Log(pkt *packet.Packet) error {
	for _, o := range f.Outputs {
		if err := o.Log(pkt); err != nil && f.ErrCounter != nil {
			f.ErrCounter.Incr(counters.CounterOutputIOError, 1)
		}
	}
	return nil
}

func (f *Fanout) LogStats(table StatsTable) error {
	for _, o := range f.Outputs {
		if err := o.LogStats(table); err != nil && f.ErrCounter != nil {
			f.ErrCounter.Incr(counters.CounterOutputIOError, 1)
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	var first error
	for _, o := range f.Outputs {
		if err := o.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
