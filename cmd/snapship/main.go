// snapship uploads image files to an asset service, either as a one-shot
// batch or by watching a folder for new arrivals.
//
// Usage:
//
//	snapship upload [flags] FILE...
//	snapship watch  [flags] DIR
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/snapship/snapship/internal/config"
	"github.com/snapship/snapship/internal/coordinator"
	"github.com/snapship/snapship/internal/ingest"
	"github.com/snapship/snapship/internal/metrics"
	"github.com/snapship/snapship/internal/scheduler"
	"github.com/snapship/snapship/internal/transfer"
	"github.com/snapship/snapship/internal/watcher"
	"github.com/snapship/snapship/pkg/retry"
	"github.com/snapship/snapship/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "upload":
		err = runUpload(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `snapship: concurrent image uploads to an asset service

Commands:
  upload FILE...   upload the given files and exit
  watch DIR        watch a folder and upload new arrivals

Common flags:
  -config PATH     configuration file (YAML)
  -server URL      asset service base URL
  -gallery NAME    target gallery

Watch flags:
  -staging         delete files after successful upload
  -poll            use the polling backend instead of OS notifications
`)
}

// loadConfig resolves the effective configuration from file and flags.
func loadConfig(configPath, server, gallery string) (*config.Configuration, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if server != "" {
		cfg.Server.BaseURL = server
	}
	if gallery != "" {
		cfg.Server.Gallery = gallery
	}
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("no server configured: set -server or server.base_url")
	}
	if cfg.Server.Gallery == "" {
		return nil, fmt.Errorf("no gallery configured: set -gallery or server.gallery")
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// pipeline bundles the wired upload components.
type pipeline struct {
	cfg     *config.Configuration
	logger  *slog.Logger
	metrics *metrics.Collector
	sched   *scheduler.Scheduler
}

func buildPipeline(cfg *config.Configuration, opts ...scheduler.Option) *pipeline {
	logger := newLogger(cfg.LogLevel)

	mc := metrics.NewCollector(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	})

	var clientOpts []transfer.ClientOption
	if cfg.Transfer.SpeedLimit > 0 {
		clientOpts = append(clientOpts, transfer.WithSpeedLimit(cfg.Transfer.SpeedLimit))
	}
	client := transfer.NewClient(cfg.Server.BaseURL, cfg.Server.Gallery, cfg.Server.RequestTimeout, logger, clientOpts...)

	coord, err := coordinator.New(cfg.Transfer.MaxConcurrentChunks)
	if err != nil {
		// Validate already rejects non-positive values; this is unreachable
		// with a loaded config.
		panic(err)
	}

	chunkRetry := retry.ChunkConfig()
	chunkRetry.MaxAttempts = cfg.Transfer.ChunkRetries + 1
	chunkRetry.InitialDelay = cfg.Transfer.ChunkRetryDelay

	multi := transfer.NewMultipartEngine(client, coord, cfg.Transfer.ChunkSizeMenu, chunkRetry, mc, logger)
	single := transfer.NewSinglePartUploader(client, mc, logger)

	sched := scheduler.New(scheduler.Config{
		MultipartThreshold:      cfg.Transfer.MultipartThreshold,
		MaxConcurrentSmallFiles: cfg.Scheduler.MaxConcurrentSmallFiles,
		CompletedDisplayDelay:   cfg.Scheduler.CompletedDisplayDelay,
	}, single, multi, mc, logger, opts...)

	return &pipeline{cfg: cfg, logger: logger, metrics: mc, sched: sched}
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	server := fs.String("server", "", "asset service base URL")
	gallery := fs.String("gallery", "", "target gallery")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		return fmt.Errorf("upload: no files given")
	}

	cfg, err := loadConfig(*configPath, *server, *gallery)
	if err != nil {
		return err
	}

	p := buildPipeline(cfg)
	if err := p.metrics.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p.sched.Start(ctx)
	defer p.sched.Stop()
	go renderStatus(ctx, p.sched.Updates())

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := p.sched.EnqueueAndWait(ctx, path); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				p.logger.Error("upload failed", "path", path, "error", err)
			}
		}(path)
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.metrics.Stop(shutdownCtx)

	fmt.Fprintln(os.Stderr)
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(paths))
	}
	p.logger.Info("all uploads completed", "files", len(paths))
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	server := fs.String("server", "", "asset service base URL")
	gallery := fs.String("gallery", "", "target gallery")
	staging := fs.Bool("staging", false, "delete files after successful upload")
	poll := fs.Bool("poll", false, "use the polling backend")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("watch: exactly one directory expected")
	}
	dir := fs.Arg(0)

	cfg, err := loadConfig(*configPath, *server, *gallery)
	if err != nil {
		return err
	}
	if *poll {
		cfg.Watch.UsePolling = true
	}

	p := buildPipeline(cfg)
	if err := p.metrics.Start(); err != nil {
		return err
	}

	w, err := watcher.New(watcher.Config{
		Dir:               dir,
		StateDir:          cfg.Watch.StateDir,
		TransientSuffixes: cfg.Watch.TransientSuffixes,
		UsePolling:        cfg.Watch.UsePolling,
		PollInterval:      cfg.Watch.PollInterval,
	}, p.metrics, p.logger)
	if err != nil {
		return err
	}

	ready := watcher.NewReadinessChecker(
		cfg.Watch.CheckInterval,
		cfg.Watch.StableSamples,
		cfg.Watch.MaxAttempts,
		p.metrics, p.logger)

	mode := ingest.ModeLive
	if *staging {
		mode = ingest.ModeStaging
	}
	ing := ingest.New(ingest.Config{
		Mode:       mode,
		Retries:    cfg.Watch.IngestRetries,
		RetryDelay: cfg.Watch.IngestRetryDelay,
	}, w, ready, p.sched, p.logger,
		ingest.WithFailureHandler(func(path string, err error) {
			fmt.Fprintf(os.Stderr, "\nfailed to upload %s: %v\n", path, err)
		}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p.sched.Start(ctx)
	go renderStatus(ctx, p.sched.Updates())

	p.logger.Info("watching folder", "dir", dir, "mode", string(mode))
	err = ing.Run(ctx)

	w.Stop()
	p.sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.metrics.Stop(shutdownCtx)

	if err != nil && err != context.Canceled {
		return err
	}
	fmt.Fprintln(os.Stderr)
	return nil
}

// renderStatus draws a one-line progress summary from the status stream.
func renderStatus(ctx context.Context, updates <-chan types.StatusUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.State == types.QueueIdle {
				continue
			}
			fmt.Fprintf(os.Stderr, "\r%-8s %5.1f%%  %9s  ETA %-8s",
				u.State, u.Progress*100, formatSpeed(u.Speed), formatETA(u.ETA))
		}
	}
}

func formatSpeed(bytesPerSec float64) string {
	switch {
	case bytesPerSec <= 0:
		return "--"
	case bytesPerSec >= 1<<20:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1<<20))
	case bytesPerSec >= 1<<10:
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "--"
	}
	return eta.Round(time.Second).String()
}
