package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/shmcounters/internal/client"
	"github.com/23skdu/shmcounters/internal/command"
	"github.com/23skdu/shmcounters/internal/counters"
	"github.com/23skdu/shmcounters/internal/driver"
	"github.com/23skdu/shmcounters/internal/logging"
	"github.com/23skdu/shmcounters/internal/shm"
)

var (
	duration    = flag.Duration("duration", 10*time.Second, "Duration of the benchmark")
	concurrency = flag.Int("concurrency", 4, "Number of concurrent clients")
	mode        = flag.String("mode", "churn", "Benchmark mode: 'churn' (add then close) or 'update' (increment one counter)")
	maxCounters = flag.Int("max-counters", 4096, "Capacity of the in-process segment")
	linger      = flag.Duration("linger", 10*time.Millisecond, "Free-to-reuse timeout of the driver")
)

func main() {
	flag.Parse()

	fmt.Printf("Starting benchmark:\n")
	fmt.Printf("  Mode:        %s\n", *mode)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Duration:    %s\n", *duration)
	fmt.Printf("  Capacity:    %d\n", *maxCounters)

	res, err := runBenchmark(context.Background(), benchConfig{
		mode:        *mode,
		duration:    *duration,
		concurrency: *concurrency,
		maxCounters: *maxCounters,
		linger:      *linger,
	})
	if err != nil {
		log.Fatalf("benchmark failed: %v", err)
	}
	printResults(res)
}

type benchConfig struct {
	mode        string
	duration    time.Duration
	concurrency int
	maxCounters int
	linger      time.Duration
}

type results struct {
	elapsed time.Duration
	ops     int64
	errors  int64
	latency *sumLatency
}

// runBenchmark starts a driver over a heap segment and drives it with
// concurrency clients until cfg.duration elapses.
func runBenchmark(ctx context.Context, cfg benchConfig) (results, error) {
	if cfg.mode != "churn" && cfg.mode != "update" {
		return results{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	seg, err := shm.NewHeapSegment(cfg.maxCounters)
	if err != nil {
		return results{}, err
	}
	manager, err := counters.NewManager(seg.Values(), seg.Metadata(), counters.WithFreeToReuseTimeout(cfg.linger))
	if err != nil {
		return results{}, err
	}
	channel := command.NewChannel(4096)
	conductor, err := driver.NewConductor(manager, channel, driver.Config{}, logging.DiscardLogger())
	if err != nil {
		return results{}, err
	}

	driverCtx, stopDriver := context.WithCancel(ctx)
	driverDone := make(chan error, 1)
	go func() { driverDone <- conductor.Run(driverCtx, 100*time.Microsecond) }()
	defer func() {
		stopDriver()
		<-driverDone
	}()

	var ops, errs atomic.Int64
	latency := &sumLatency{}
	start := time.Now()
	deadline := start.Add(cfg.duration)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.concurrency; i++ {
		worker := i
		g.Go(func() error {
			c, err := client.Connect(channel, manager.Reader, client.WithName(fmt.Sprintf("bench-%d", worker)))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			var hot *client.Counter
			if cfg.mode == "update" {
				if hot, err = c.AddCounter(gctx, 1, nil, fmt.Sprintf("bench-%d hot", worker)); err != nil {
					return err
				}
			}

			key := make([]byte, 8)
			for n := int64(0); time.Now().Before(deadline) && gctx.Err() == nil; n++ {
				t0 := time.Now()
				var err error
				if hot != nil {
					hot.IncrementOrdered()
				} else {
					binary.LittleEndian.PutUint64(key, uint64(n))
					err = churn(gctx, c, key)
				}
				latency.Record(time.Since(t0))
				if err != nil {
					errs.Add(1)
				} else {
					ops.Add(1)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results{}, err
	}
	return results{elapsed: time.Since(start), ops: ops.Load(), errors: errs.Load(), latency: latency}, nil
}

// churn allocates one counter, bumps it and releases it.
func churn(ctx context.Context, c *client.Client, key []byte) error {
	counter, err := c.AddCounter(ctx, 2, key, "bench churn")
	if err != nil {
		return err
	}
	counter.IncrementOrdered()
	return counter.Close()
}

// Latency tracking
type sumLatency struct {
	totalNs atomic.Int64
	count   atomic.Int64
	maxNs   atomic.Int64
}

func (l *sumLatency) Record(d time.Duration) {
	ns := d.Nanoseconds()
	l.totalNs.Add(ns)
	l.count.Add(1)

	for {
		current := l.maxNs.Load()
		if ns <= current {
			break
		}
		if l.maxNs.CompareAndSwap(current, ns) {
			break
		}
	}
}

func (l *sumLatency) Average() time.Duration {
	count := l.count.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(l.totalNs.Load() / count)
}

func printResults(r results) {
	seconds := r.elapsed.Seconds()
	fmt.Println("\n--- Results ---")
	fmt.Printf("Elapsed:     %.2fs\n", seconds)
	fmt.Printf("Total Ops:   %d\n", r.ops)
	fmt.Printf("Errors:      %d\n", r.errors)
	fmt.Printf("Throughput:  %.2f ops/sec\n", float64(r.ops)/seconds)
	fmt.Printf("Avg Latency: %v\n", r.latency.Average())
	fmt.Printf("Max Latency: %v\n", time.Duration(r.latency.maxNs.Load()))
}
