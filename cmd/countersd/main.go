package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/shmcounters/internal/command"
	"github.com/23skdu/shmcounters/internal/config"
	"github.com/23skdu/shmcounters/internal/counters"
	"github.com/23skdu/shmcounters/internal/driver"
	"github.com/23skdu/shmcounters/internal/health"
	"github.com/23skdu/shmcounters/internal/logging"
	"github.com/23skdu/shmcounters/internal/shm"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file read before the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.SegmentPath == "" {
		cfg.SegmentPath = shm.DefaultPath("default")
	}
	if err := config.Validate(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: os.Stdout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error().Err(err).Msg("countersd exited")
		os.Exit(1)
	}
}

// run owns the segment for the lifetime of ctx. ready, when set, is called
// once the segment is published and the metrics listener is bound.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, ready func(seg *shm.Segment, metricsAddr net.Addr)) error {
	if cfg.DeleteOnStart {
		if err := os.Remove(cfg.SegmentPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete stale segment: %w", err)
		}
	}

	seg, err := shm.Create(cfg.SegmentPath, cfg.MaxCounters)
	if err != nil {
		return err
	}
	defer func() {
		if err := seg.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close segment")
		}
	}()

	manager, err := counters.NewManager(seg.Values(), seg.Metadata(),
		counters.WithFreeToReuseTimeout(cfg.FreeToReuseTimeout),
		counters.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	channel := command.NewChannel(cfg.CommandCapacity)
	conductor, err := driver.NewConductor(manager, channel, driver.Config{
		ClientLivenessTimeout: cfg.ClientLivenessTimeout,
		RateLimit:             cfg.RateLimit(),
	}, logger)
	if err != nil {
		return err
	}
	seg.MarkReady()

	lis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		conductor.Close()
		return fmt.Errorf("listen on %s: %w", cfg.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", newHealthManager(seg, manager, conductor, logger).HTTPHandler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Info().
		Str("segment", seg.Path()).
		Int("max_counters", cfg.MaxCounters).
		Str("metrics_addr", lis.Addr().String()).
		Msg("countersd starting")

	if ready != nil {
		ready(seg, lis.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conductor.Run(gctx, cfg.IdleSleep)
	})
	g.Go(func() error {
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("countersd stopped")
	return err
}

func newHealthManager(seg *shm.Segment, manager *counters.Manager, conductor *driver.Conductor, logger zerolog.Logger) *health.HealthManager {
	hm := health.NewHealthManager(logger)
	hm.RegisterChecker(health.NewSegmentChecker(seg))
	hm.RegisterChecker(health.NewCapacityChecker(manager, 0.1))
	hm.RegisterChecker(health.NewErrorCounterChecker("driver_errors", conductor.System().Get(driver.SystemErrors)))
	return hm
}
