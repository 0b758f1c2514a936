// Package pipeline is the thread-variable/queue scaffolding connecting
// every other stage package into the directed pipeline §2 describes:
// pool → source → decode → flow → tcpstream → detect → verdict → output.
//
// Grounded on spec.md §4.1's thread-variable (TV) model: each stage is
// one or more worker goroutines running an ordered list of slots, reading
// from an input queue and writing to an output queue through a pluggable
// queue-handler. Ambient logging follows the pattern the retrieval pack
// uses where no third-party structured logger appears (plain
// log.Printf/log.Fatal through a per-subsystem prefixed *log.Logger) —
// here, one logger per ThreadVars, named "<stage>[<id>]".
package pipeline

import (
	"log"
	"os"
	"sync/atomic"
)

// ControlFlag is the tv control-flag word (§4.1): init-done, pause, kill,
// closed, failed.
type ControlFlag uint32

const (
	FlagInitDone ControlFlag = 1 << iota
	FlagPause
	FlagKill
	FlagClosed
	FlagFailed
)

// ThreadVars is one pipeline stage's worker-local state: name, its
// control-flag word, and the logger every slot in this stage writes
// through. Queues and slots are attached by Stage, which owns the
// goroutine(s) actually running a ThreadVars' slot chain.
type ThreadVars struct {
	Name string

	flags ControlFlag

	Logger *log.Logger
}

// NewThreadVars creates a ThreadVars named "<stage>[<id>]", logging to
// stderr with that name as prefix.
func NewThreadVars(stage string, id int) *ThreadVars {
	name := stage + "[" + itoa(id) + "]"
	return &ThreadVars{
		Name:   name,
		Logger: log.New(os.Stderr, name+": ", log.LstdFlags|log.Lmicroseconds),
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// setBit/clearBit are safe for concurrent use by the controller and the
// worker goroutine itself.
func (tv *ThreadVars) setBit(flag ControlFlag) {
	for {
		old := atomic.LoadUint32((*uint32)(&tv.flags))
		next := old | uint32(flag)
		if old == next || atomic.CompareAndSwapUint32((*uint32)(&tv.flags), old, next) {
			return
		}
	}
}

func (tv *ThreadVars) clearBit(flag ControlFlag) {
	for {
		old := atomic.LoadUint32((*uint32)(&tv.flags))
		next := old &^ uint32(flag)
		if old == next || atomic.CompareAndSwapUint32((*uint32)(&tv.flags), old, next) {
			return
		}
	}
}

// Has reports whether every bit in flag is currently raised.
func (tv *ThreadVars) Has(flag ControlFlag) bool {
	return ControlFlag(atomic.LoadUint32((*uint32)(&tv.flags)))&flag == flag
}

// MarkInitDone, MarkKilled, MarkClosed, and MarkFailed raise the
// corresponding control-flag bit (§4.1's shutdown and failure sequences).
func (tv *ThreadVars) MarkInitDone() { tv.setBit(FlagInitDone) }
func (tv *ThreadVars) MarkKilled()   { tv.setBit(FlagKill) }
func (tv *ThreadVars) MarkClosed()   { tv.setBit(FlagClosed) }
func (tv *ThreadVars) MarkFailed()   { tv.setBit(FlagFailed) }
