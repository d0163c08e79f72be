// Command pathlat passively measures the elapsed time between two capture
// points on a network path. It attaches a capture hook to every qualifying
// interface, extracts correlation tokens from TCP payloads and pairs
// first-seen timestamps per token across capture roles.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pathlat/internal/capture"
	"pathlat/internal/config"
	"pathlat/internal/correlate"
	"pathlat/internal/netif"
	"pathlat/internal/sink"
	"pathlat/internal/token"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:     "pathlat",
		Short:   "Passive packet-path latency measurement",
		Long:    "pathlat correlates application tokens observed at multiple\ncapture points and reports the elapsed time between them.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgFile)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file")
	cmd.SilenceUsage = true
	return cmd
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func run(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ring := capture.NewRing(cfg.Capture.RingCapacity)
	ports := capture.PortRoles{
		SourcePort: cfg.Capture.SourcePort,
		RelayPort:  cfg.Capture.RelayPort,
	}
	ext := token.New(cfg.Capture.Marker, cfg.Capture.IDLength, cfg.Capture.ScanWindow)

	// Capture backend: kernel TC classifier when a compiled object is
	// configured, pcap in userspace otherwise. Both feed the same ring.
	var (
		hook     netif.Hook
		ebpfSrc  *capture.EBPFSource
		pcapHook *capture.PcapHook
	)
	if cfg.Capture.BPFObject != "" {
		ebpfSrc, err = capture.OpenEBPFSource(cfg.Capture.BPFObject, ports,
			cfg.Capture.IDLength, ring, log.Named("ebpf"))
		if err != nil {
			return err
		}
		defer ebpfSrc.Close()
		hook = &netif.TCHook{Prog: ebpfSrc.Program()}
		go ebpfSrc.Run(ctx)
		log.Info("using eBPF capture backend", zap.String("object", cfg.Capture.BPFObject))
	} else {
		pcapHook = &capture.PcapHook{
			Config: capture.FilterConfig{
				Ports:         ports,
				MinPayload:    cfg.Capture.MinPayload,
				DedupCapacity: cfg.Capture.DedupCapacity,
			},
			Extractor: ext,
			Ring:      ring,
			Log:       log.Named("pcap"),
		}
		hook = pcapHook
		log.Info("using pcap capture backend")
	}

	namePattern, err := cfg.NamePattern()
	if err != nil {
		return err
	}
	policy := netif.Policy{Kind: cfg.Interfaces.Kind, NamePattern: namePattern}
	mgr := netif.NewManager(hook, policy, log.Named("netif"))
	defer mgr.Close()

	sinks := sink.Tee{&sink.LogSink{Log: log.Named("measure")}}
	if cfg.Output.CSVPath != "" {
		csvSink, err := sink.NewCSVSink(cfg.Output.CSVPath)
		if err != nil {
			return err
		}
		sinks = append(sinks, csvSink)
	}
	out := correlate.Sink(sinks)

	proc := correlate.NewProcessor(ring, out, correlate.Config{
		Retention:     cfg.Correlate.Retention,
		SanityCeiling: cfg.Correlate.SanityCeiling,
		SweepInterval: cfg.Correlate.SweepInterval,
	}, log.Named("correlate"))

	mgrErr := make(chan error, 1)
	go func() {
		mgrErr <- mgr.Run(ctx, cfg.Interfaces.RescanInterval)
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := proc.Run(ctx); err != nil {
			log.Error("consumer failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		statsLoop(ctx, cfg.Output.StatsInterval, ring, pcapHook, ebpfSrc, proc, log)
	}()

	select {
	case err := <-mgrErr:
		if err != nil {
			// Zero capture points is the one fatal startup condition.
			stop()
			wg.Wait()
			out.Close()
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		if err := <-mgrErr; err != nil {
			log.Warn("interface manager", zap.Error(err))
		}
	}

	// Detach every hook first so no producer outlives the ring, then let
	// the consumer drain what is buffered.
	mgr.Close()
	if ebpfSrc != nil {
		ebpfSrc.Close()
		ebpfSrc.Wait()
	}
	ring.Close()
	wg.Wait()

	logSummary(log, proc.Summary(), ring)
	return out.Close()
}

func statsLoop(ctx context.Context, interval time.Duration, ring *capture.Ring,
	pcapHook *capture.PcapHook, ebpfSrc *capture.EBPFSource,
	proc *correlate.Processor, log *zap.Logger) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fields := []zap.Field{
			zap.Uint64("ring_offered", ring.Offered()),
			zap.Uint64("ring_dropped", ring.Dropped()),
		}
		if pcapHook != nil {
			fs := pcapHook.Stats()
			fields = append(fields,
				zap.Uint64("frames", fs.Frames),
				zap.Uint64("matched", fs.Matched),
				zap.Uint64("extracted", fs.Extracted),
				zap.Uint64("duplicates", fs.Duplicates))
		}
		if ebpfSrc != nil {
			fields = append(fields,
				zap.Uint64("kernel_events", ebpfSrc.Received()),
				zap.Uint64("decode_errors", ebpfSrc.DecodeErrors()))
		}
		ps := proc.Stats()
		fields = append(fields,
			zap.Uint64("consumed", ps.Consumed),
			zap.Uint64("correlated", ps.Correlated),
			zap.Uint64("suspect", ps.Suspect),
			zap.Uint64("expired", ps.Expired),
			zap.Int("active_identifiers", ps.Active))

		log.Info("stats", fields...)
	}
}

func logSummary(log *zap.Logger, s correlate.Summary, ring *capture.Ring) {
	if s.Count == 0 {
		log.Info("no latency measurements recorded",
			zap.Uint64("ring_dropped", ring.Dropped()))
		return
	}
	log.Info("latency summary",
		zap.Uint64("measurements", s.Count),
		zap.Duration("min", s.Min),
		zap.Duration("avg", s.Avg),
		zap.Duration("max", s.Max),
		zap.Uint64("ring_dropped", ring.Dropped()))
}
