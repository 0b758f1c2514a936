package flow

import (
	"context"
	"log"
	"time"
)

// Manager is the flow-table housekeeping thread (§4.2): it periodically
// walks every bucket, compares now-lastts against the applicable timeout,
// and reclaims flows that are both idle and unreferenced.
type Manager struct {
	table    *Table
	interval time.Duration
	logger   *log.Logger

	sweptCount   uint64
	reapedCount  uint64
}

func NewManager(table *Table, interval time.Duration, logger *log.Logger) *Manager {
	return &Manager{table: table, interval: interval, logger: logger}
}

// Run blocks, sweeping the table every interval, until ctx is canceled.
// Shutdown is cooperative: Run observes ctx.Done() between sweeps and on
// every timed wait, matching §5's "suspension points use timedwait so
// shutdown can interrupt" rule for the management thread set.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}

// Sweep performs one pass over the table, reclaiming idle+unreferenced
// flows. Exported so tests (and a CLI debug command) can drive the
// manager deterministically instead of waiting on a ticker.
func (m *Manager) Sweep(now time.Time) (reaped int) {
	emergency := m.table.Emergency()

	var candidates []*Flow
	m.table.ForEachBucket(func(first *Flow) {
		for f := first; f != nil; f = f.next {
			if f.UseCount() == 0 && f.IsIdle(now, emergency) {
				candidates = append(candidates, f)
			}
		}
	})

	for _, f := range candidates {
		// The flow may have gained a reference since the scan above; Remove
		// repeats this check under its bucket lock before unlinking.
		if f.UseCount() != 0 {
			continue
		}
		m.table.Remove(f)
		reaped++
	}

	if m.logger != nil && reaped > 0 {
		m.logger.Printf("flow manager: reaped %d idle flows (emergency=%v, used=%d/%d bytes)",
			reaped, emergency, m.table.UsedBytes(), m.table.memcapBytes)
	}

	return reaped
}
