// Command sentryd runs the detection engine against a packet source named
// on the command line (§6's CLI surface). Flag/config/default precedence
// and the exactly-one-source rule are handled by internal/config; this
// file only wires the chosen Source and Output set and drives Engine.Run
// to completion or interruption.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowloom/sentryd/internal/applayer"
	"github.com/flowloom/sentryd/internal/config"
	"github.com/flowloom/sentryd/internal/counters"
	"github.com/flowloom/sentryd/internal/detect"
	"github.com/flowloom/sentryd/internal/engine"
	"github.com/flowloom/sentryd/internal/output"
	"github.com/flowloom/sentryd/internal/source"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:           "sentryd",
	Short:         "Passive/inline network detection engine",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("pcap", "", "live capture interface")
	flags.String("pcap-file", "", "offline pcap file to replay")
	flags.Int("nfq", -1, "NFQUEUE queue number to bind in inline mode")
	flags.String("af-packet", "", "AF_PACKET interface to bind in inline mode")
	flags.String("bpf", "", "BPF filter applied to the chosen capture source")
	flags.StringP("config", "c", "", "path to a YAML config file")
	flags.StringP("rules", "s", "", "path to a YAML rules file")
	flags.StringP("log-dir", "l", config.DefaultLogDir, "directory for unified-alert/unified-log/http-log/stats output")
	flags.Bool("init-errors-fatal", false, "exit non-zero if any signature or rule fails to load, instead of skipping it")
	flags.String("runmode", string(config.DefaultRunmode), "worker topology: auto, autofp, or workers")
	flags.Int("workers", config.DefaultWorkers, "packet-processing worker count")
	flags.Int("queue-capacity", config.DefaultQueueCapacity, "pipeline input queue capacity")
	flags.Int("pool-capacity", config.DefaultPoolCapacity, "packet buffer pool capacity")
	flags.Int("flow-capacity", config.DefaultFlowCapacity, "flow table capacity")
	flags.Int64("flow-memcap-bytes", config.DefaultFlowMemcapBytes, "flow table memory cap in bytes")
	flags.Bool("midstream", false, "accept TCP sessions first observed mid-handshake")

	for _, name := range []string{
		"pcap", "pcap-file", "nfq", "af-packet", "bpf", "config", "rules", "log-dir",
		"init-errors-fatal", "runmode", "workers", "queue-capacity",
		"pool-capacity", "flow-capacity", "flow-memcap-bytes", "midstream",
	} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func run(cmd *cobra.Command, args []string) error {
	if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	opts, err := config.Load(v)
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, "sentryd: ", log.LstdFlags)

	src, err := buildSource(opts)
	if err != nil {
		return err
	}

	sigs, err := loadSignatures(opts, logger)
	if err != nil {
		return err
	}

	apps := applayer.NewRegistry(applayer.HTTPParser{}, applayer.TLSParser{})

	out, err := buildOutput(opts)
	if err != nil {
		return err
	}
	defer out.Close()

	e := engine.New(opts.EngineConfig(), sigs, apps, out)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := e.Run(ctx, src); err != nil {
		return fmt.Errorf("engine run: %w", err)
	}

	stats := e.Stats()
	logger.Printf("shutdown complete: %d alerts, pool alloc=%d return=%d",
		stats.Global[counters.CounterAlerts], stats.Global[counters.CounterPoolAlloc], stats.Global[counters.CounterPoolReturn])
	return nil
}

// buildSource picks the one packet source opts.Validate has already
// confirmed is uniquely selected.
func buildSource(opts config.Options) (source.Source, error) {
	switch {
	case opts.PcapFile != "":
		return source.NewPcapFileSource(opts.PcapFile, opts.BPFFilter), nil
	case opts.PcapDevice != "":
		return source.NewPcapLiveSource(opts.PcapDevice, opts.BPFFilter), nil
	case opts.NfqSet:
		return source.NewNfqSource(opts.NfqQueue), nil
	case opts.AfPacketIface != "":
		return source.NewAfPacketSource(opts.AfPacketIface), nil
	default:
		return nil, fmt.Errorf("no packet source selected")
	}
}

// loadSignatures reads opts.RulesPath, if set. An empty path starts the
// engine with no signatures loaded rather than failing, since a bare
// passive capture with no ruleset is still a valid runmode; a rules file
// that fails to parse is fatal only when --init-errors-fatal is set,
// mirroring §7's InitError handling for other optional collaborators.
func loadSignatures(opts config.Options, logger *log.Logger) ([]*detect.Signature, error) {
	if opts.RulesPath == "" {
		return nil, nil
	}
	sigs, err := config.LoadSignatures(opts.RulesPath)
	if err != nil {
		if opts.InitErrorsFatal {
			return nil, fmt.Errorf("loading rules: %w", err)
		}
		logger.Printf("rules file %s failed to load, starting with no signatures: %v", opts.RulesPath, err)
		return nil, nil
	}
	return sigs, nil
}

// buildOutput assembles the fixed output set §6 names (unified-alert,
// unified-log, HTTP log, stats) behind a single output.Fanout so a
// failing logger never stops the others (§7's OutputIoError).
func buildOutput(opts config.Options) (output.Output, error) {
	prefix := filepath.Join(opts.LogDir, "sentryd")

	alertWriter, err := output.NewUnifiedAlertWriter(prefix+".alert", opts.UnifiedAlertMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("opening unified-alert log: %w", err)
	}
	logWriter, err := output.NewUnifiedLogWriter(prefix+".log", opts.UnifiedLogMaxBytes, opts.Snaplen)
	if err != nil {
		return nil, fmt.Errorf("opening unified-log: %w", err)
	}
	httpWriter, err := output.NewHTTPLogWriter(filepath.Join(opts.LogDir, "http.log"))
	if err != nil {
		return nil, fmt.Errorf("opening http log: %w", err)
	}
	statsWriter := output.NewStatsLogWriter(filepath.Join(opts.LogDir, "stats"))

	return &output.Fanout{
		Outputs: []output.Output{alertWriter, logWriter, httpWriter, statsWriter},
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
