// Command nvmf-mem serves a RAM-backed NVMe namespace and drives it with a
// built-in workload. Target and per-queue statistics are published over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/behrlich/go-nvmf"
	"github.com/behrlich/go-nvmf/backend"
	"github.com/behrlich/go-nvmf/internal/logging"
)

type config struct {
	size      string
	blockSize uint32
	queues    int
	depth     int
	channelIO int
	listen    string
	duration  time.Duration
	ops       int
	verbose   bool
	jsonLogs  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config

	cmd := &cobra.Command{
		Use:           "nvmf-mem",
		Short:         "Serve a memory namespace and exercise it",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  # 256MiB namespace, 4 I/O queues, stats on :9090
  nvmf-mem --size 256M --queues 4 --listen :9090

  # run 100k commands per queue and exit
  nvmf-mem --ops 100000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.size, "size", "s", "64M", "Namespace size (e.g. 64M, 1GiB)")
	flags.Uint32VarP(&cfg.blockSize, "block-size", "b", 512, "Logical block size in bytes")
	flags.IntVarP(&cfg.queues, "queues", "q", 2, "Number of I/O queues")
	flags.IntVarP(&cfg.depth, "depth", "d", 32, "Commands outstanding per queue")
	flags.IntVar(&cfg.channelIO, "channel-ios", 0, "Device operations in flight per channel (0 for the backend default)")
	flags.StringVarP(&cfg.listen, "listen", "l", "", "Address for the stats HTTP endpoint (disabled when empty)")
	flags.DurationVar(&cfg.duration, "duration", 0, "Stop the workload after this long (0 runs until interrupted)")
	flags.IntVar(&cfg.ops, "ops", 0, "Stop each queue's workload after this many commands (0 for no limit)")
	flags.BoolVarP(&cfg.verbose, "verbose", "V", false, "Verbose output")
	flags.BoolVar(&cfg.jsonLogs, "json", false, "Log as JSON")

	return cmd
}

func run(parent context.Context, cfg *config) error {
	if parent == nil {
		parent = context.Background()
	}

	size, err := humanize.ParseBytes(cfg.size)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", cfg.size, err)
	}
	if cfg.blockSize == 0 || size < uint64(cfg.blockSize) {
		return fmt.Errorf("size %s holds no %d byte blocks", humanize.IBytes(size), cfg.blockSize)
	}

	logConfig := logging.DefaultConfig()
	if cfg.verbose {
		logConfig.Level = logging.LevelDebug
	}
	if cfg.jsonLogs {
		logConfig.Format = "json"
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	defer logger.Close()

	dev := backend.NewMemoryWithOptions(int64(size), backend.MemoryOptions{
		BlockSize:  cfg.blockSize,
		ChannelIOs: cfg.channelIO,
		ACWU:       1,
	})
	defer dev.Close()

	params := nvmf.DefaultParams(dev)
	params.NumQueues = cfg.queues
	params.QueueDepth = cfg.depth

	logger.Info("creating memory namespace", "size", humanize.IBytes(size), "size_bytes", size,
		"block_size", cfg.blockSize)

	w := newWorkload(dev.NumBlocks(), dev.BlockSize(), cfg.ops, logger)
	target, err := nvmf.CreateAndServe(context.Background(), params, &nvmf.Options{
		Log:       logger,
		Logger:    logger,
		Completer: w,
	})
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	defer func() {
		logger.Info("stopping target")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := nvmf.StopAndDelete(stopCtx, target); err != nil {
			logger.Error("error stopping target", "error", err)
		}
	}()

	fmt.Printf("Target: %s\n", target.NQN)
	fmt.Printf("Namespace: %s (%d blocks of %d bytes)\n", humanize.IBytes(target.Size()),
		dev.NumBlocks(), target.BlockSize())
	fmt.Printf("Queues: %d x %d\n", target.NumQueues(), target.QueueDepth())
	if cfg.listen != "" {
		fmt.Printf("Stats: http://%s/info\n", cfg.listen)
	}
	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	go dumpStacksOnSignal(ctx, logger)

	g, gctx := errgroup.WithContext(ctx)
	for qid := 1; qid <= target.NumQueues(); qid++ {
		qid := uint16(qid)
		g.Go(func() error {
			return w.run(gctx, target, qid)
		})
	}

	if cfg.listen != "" {
		srv := &http.Server{
			Addr:              cfg.listen,
			Handler:           newRouter(target),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("stats server: %w", err)
			}
			return nil
		})
		// Without a workload limit the server would outlive every worker
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	start := time.Now()
	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	printSummary(target, time.Since(start))
	return err
}

func printSummary(target *nvmf.Target, elapsed time.Duration) {
	snap := target.MetricsSnapshot()
	fmt.Printf("\nRan for %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  reads:      %d (%s)\n", snap.ReadOps, humanize.IBytes(snap.ReadBytes))
	fmt.Printf("  writes:     %d (%s)\n", snap.WriteOps, humanize.IBytes(snap.WriteBytes))
	fmt.Printf("  fused:      %d\n", snap.FusedOps)
	fmt.Printf("  deallocate: %d\n", snap.DeallocateOps)
	fmt.Printf("  errors:     %d\n", snap.TotalErrors)
	fmt.Printf("  resubmits:  %d\n", snap.Resubmissions)
	fmt.Printf("  latency:    avg %s p99 %s\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP99Ns))
}

func dumpStacksOnSignal(ctx context.Context, logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			logger.Info("dumping goroutine stacks", "bytes", n)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])
		}
	}
}
