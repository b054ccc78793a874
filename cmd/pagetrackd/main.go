package main

import (
	"context"
	"fmt"
	"math/bits"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nmxmxh/pagetrack/kernel/shm"
	"github.com/nmxmxh/pagetrack/kernel/tracking"
	"github.com/nmxmxh/pagetrack/kernel/utils"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "pagetrackd",
		Short: "Dirty page tracking daemon",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to yaml config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Create the shared segments and run the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// logReprotector stands in for the write-protection subsystem: it
// counts the pages each coalesced run covers.
type logReprotector struct {
	logger *utils.Logger
	pages  atomic.Uint64
}

func (rp *logReprotector) ReprotectRange(region uint32, base uint64, mask uint64) {
	rp.pages.Add(uint64(bits.OnesCount64(mask)))
	rp.logger.Debug("reprotect run",
		utils.Uint32("region", region),
		utils.Uint64("base", base),
		utils.Uint64("mask", mask),
	)
}

func runServe(ctx context.Context) error {
	logger := utils.DefaultLogger("pagetrackd")
	logger.Info("pagetrackd starting", utils.String("run_id", utils.GenerateID()))

	cfg := tracking.DefaultConfig()
	if configFile != "" {
		loaded, err := tracking.LoadConfig(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	pageSize := shm.PageSize()
	if err := cfg.Validate(pageSize); err != nil {
		return err
	}
	layout, err := shm.LayoutFor(cfg.RingBytes, pageSize)
	if err != nil {
		return err
	}

	path := cfg.ShmPath
	if path == "" {
		path = shm.DefaultSharedMemoryPath()
	}
	provider, err := shm.OpenSharedMemory(shm.SharedMemoryOptions{
		Path:   path,
		Size:   layout.TotalBytes * cfg.Contexts,
		Create: true,
	})
	if err != nil {
		return utils.WrapError(err, "open shared memory")
	}

	rp := &logReprotector{logger: logger}
	registry := tracking.NewRegistry(logger)
	for i := uint32(0); i < cfg.Contexts; i++ {
		seg, err := shm.NewSegment(provider, i*layout.TotalBytes, layout)
		if err != nil {
			return utils.WrapError(err, "slice ring segment")
		}
		ring, err := tracking.NewRing(seg, rp, logger)
		if err != nil {
			return utils.WrapError(err, "create ring")
		}
		if err := registry.Register(tracking.ContextID(i), ring); err != nil {
			return err
		}
	}
	if err := registry.SetDefault(0); err != nil {
		return err
	}
	logger.Info("rings created",
		utils.Uint32("contexts", cfg.Contexts),
		utils.Uint32("entries_per_ring", layout.EntryCount),
		utils.String("shm_path", path),
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(tracking.NewCollector(registry))
	server := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", utils.Err(err))
		}
	}()

	// Demonstration loop: a synthetic producer walks pages of one
	// region; a single harvester goroutine drains on its poll tick or
	// when the producer sees backpressure. Only the harvester ever
	// drains, matching the one-consumer protocol.
	drainReq := make(chan struct{}, 1)
	go func() {
		var offset uint64
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				soft, err := registry.MarkDirty(0, 1, offset)
				if err != nil {
					logger.Warn("mark dirty failed", utils.Err(err))
					continue
				}
				offset++
				if soft {
					select {
					case drainReq <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-drainReq:
			case <-ticker.C:
			}
			if n, err := registry.RequestDrain(0); err == nil && n > 0 {
				logger.Debug("harvest tick",
					utils.Int("entries", n),
					utils.Uint64("pages_reprotected", rp.pages.Load()),
				)
			}
		}
	}()

	shutdown := utils.NewGracefulShutdown(5*time.Second, logger)
	shutdown.Register(server.Close)
	shutdown.Register(provider.Close)

	<-ctx.Done()
	return shutdown.Shutdown(context.Background())
}
