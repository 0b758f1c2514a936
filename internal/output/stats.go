package output

import (
	"log"
	"os"
	"sort"

	"github.com/flowloom/sentryd/internal/packet"
)

// StatsLogWriter is the stats-table Output plug-in (§6): it ignores
// per-packet Log calls and renders each counters.Table snapshot as one
// sorted, timestamped block, the way internal/pipeline's per-thread
// loggers render everything else — through a prefixed *log.Logger rather
// than a hand-rolled formatter.
type StatsLogWriter struct {
	logger *log.Logger
}

func NewStatsLogWriter(prefix string) *StatsLogWriter {
	return &StatsLogWriter{logger: log.New(os.Stdout, prefix, log.LstdFlags)}
}

// NewStatsLogWriterTo lets callers redirect the stats block to an
// arbitrary writer (tests, a dedicated stats.log file).
func NewStatsLogWriterTo(w *os.File, prefix string) *StatsLogWriter {
	return &StatsLogWriter{logger: log.New(w, prefix, log.LstdFlags)}
}

var _ Output = (*StatsLogWriter)(nil)

func (s *StatsLogWriter) Log(*packet.Packet) error { return nil }

func (s *StatsLogWriter) LogStats(table StatsTable) error {
	names := make([]string, 0, len(table.Global))
	for name := range table.Global {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s.logger.Printf("%-28s %d", name, table.Global[name])
	}

	threads := make([]string, 0, len(table.PerThread))
	for tname := range table.PerThread {
		threads = append(threads, tname)
	}
	sort.Strings(threads)
	for _, tname := range threads {
		counters := table.PerThread[tname]
		cnames := make([]string, 0, len(counters))
		for c := range counters {
			cnames = append(cnames, c)
		}
		sort.Strings(cnames)
		for _, c := range cnames {
			s.logger.Printf("[%s] %-28s %d", tname, c, counters[c])
		}
	}
	return nil
}

func (s *StatsLogWriter) Close() error { return nil }
