package pipeline

import (
	"context"
	"time"
)

// Controller owns the full stage list in pipeline order and implements
// §4.1's shutdown sequence: raise kill, wait for every stage's workers to
// drain and close, joining in pipeline order.
type Controller struct {
	stages []*Stage
	cancel context.CancelFunc
	ctx    context.Context
}

// NewController builds a controller over stages, already wired source to
// sink via their In/Out queues.
func NewController(stages ...*Stage) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{stages: stages, ctx: ctx, cancel: cancel}
}

// Start launches every stage's workers.
func (c *Controller) Start() {
	for _, s := range c.stages {
		s.Run(c.ctx, nil)
	}
}

// Shutdown raises the kill flag (by cancelling the shared context, which
// unblocks every worker's queue Pop) and waits, polling each stage's
// ThreadVars until every worker has marked itself killed or closed, or
// the timeout elapses.
func (c *Controller) Shutdown(timeout time.Duration) {
	c.cancel()

	deadline := time.Now().Add(timeout)
	for _, s := range c.stages {
		for _, tv := range s.ThreadVarsList() {
			for !tv.Has(FlagClosed) && !tv.Has(FlagKill) && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
	}
}

// Failed reports whether any stage's worker has raised FlagFailed, the
// signal the controller uses to initiate an unsolicited shutdown (§4.1,
// §7: "the controller catches this and initiates graceful shutdown").
func (c *Controller) Failed() bool {
	for _, s := range c.stages {
		for _, tv := range s.ThreadVarsList() {
			if tv.Has(FlagFailed) {
				return true
			}
		}
	}
	return false
}

// Watch polls Failed every interval until ctx is done or a failure is
// observed, in which case it calls Shutdown and returns.
func (c *Controller) Watch(ctx context.Context, interval, shutdownTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Failed() {
				c.Shutdown(shutdownTimeout)
				return
			}
		}
	}
}
