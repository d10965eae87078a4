// Command bench runs a synthetic workload against a tiered cache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/tieredcache/config"
	"github.com/IvanBrykalov/tieredcache/serialize"
)

// CLI is the bench command line.
type CLI struct {
	Config string `help:"YAML cache layout; overrides the sizing flags." type:"existingfile" optional:""`

	HeapEntries int64         `help:"On-heap tier capacity in entries (0 = no heap tier)." default:"100000"`
	Offheap     string        `help:"Off-heap tier size, e.g. 256MiB (empty = no off-heap tier)." default:"64MiB"`
	Policy      string        `help:"On-heap eviction policy." enum:"lru,2q" default:"lru"`
	Shards      int           `help:"Heap shards and off-heap segments (0 = auto)."`
	TTL         time.Duration `help:"Expiration of every mapping (0 = none)."`

	Workers  int           `help:"Number of worker goroutines (0 = 2*GOMAXPROCS)."`
	Duration time.Duration `help:"Benchmark duration." default:"10s"`
	Reads    int           `help:"Read percentage [0..100]." default:"80"`
	Keys     uint64        `help:"Keyspace size." default:"1000000"`
	ZipfS    float64       `help:"Zipf s > 1 (skew)." name:"zipf-s" default:"1.1"`
	ZipfV    float64       `help:"Zipf v >= 1." name:"zipf-v" default:"1"`
	Seed     int64         `help:"Random seed (0 = time based)."`
	Preload  int           `help:"Entries written before the run (-1 = half the heap capacity)." default:"-1"`
	Value    int           `help:"Value size in bytes." default:"64"`

	Pprof    string `help:"Serve pprof at addr (e.g. :6060); empty = disabled."`
	HTTP     string `help:"Serve Prometheus metrics at addr; empty = disabled." default:":8080"`
	LogLevel string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("bench"),
		kong.Description("Synthetic Zipf workload against a heap-over-offheap cache."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(run(&cli))
}

func run(cli *CLI) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		return err
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	slog.SetDefault(logger)

	cfg, err := layout(cli)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	built, err := config.Build(cfg, config.Deps[string, string]{
		Keys:       serialize.String(),
		Values:     serialize.String(),
		Sizer:      func(k, v string) int64 { return int64(len(k) + len(v)) },
		Registerer: reg,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	c := built.Cache
	if err := c.Init(); err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if cli.Pprof != "" {
		go func() {
			logger.Info("pprof: serving", "addr", cli.Pprof)
			logger.Warn("pprof: stopped", "error", http.ListenAndServe(cli.Pprof, nil))
		}()
	}
	if cli.HTTP != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		go func() {
			logger.Info("metrics: serving", "addr", cli.HTTP)
			logger.Warn("metrics: stopped", "error", http.ListenAndServe(cli.HTTP, mux))
		}()
	}

	value := string(make([]byte, cli.Value))

	// ---- Preload to get a realistic hit-rate ----
	pl := cli.Preload
	if pl < 0 {
		pl = int(cli.HeapEntries / 2)
	}
	for i := 0; i < pl; i++ {
		if err := c.Put("k:"+strconv.Itoa(i), value); err != nil {
			return fmt.Errorf("preload: %w", err)
		}
	}

	workers := cli.Workers
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}
	seed := cli.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cli.Keys < 2 {
		return errors.New("keys must be at least 2")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cli.Duration)
	defer cancel()

	// ---- Load generation ----
	var reads, writes, hits atomic.Uint64
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		id := w
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(seed + int64(id)*9973))
			zipf := rand.NewZipf(r, cli.ZipfS, cli.ZipfV, cli.Keys-1)
			for ctx.Err() == nil {
				k := "k:" + strconv.FormatUint(zipf.Uint64(), 10)
				if r.Intn(100) < cli.Reads {
					reads.Add(1)
					_, ok, err := c.Get(k)
					if err != nil {
						return err
					}
					if ok {
						hits.Add(1)
					}
					continue
				}
				writes.Add(1)
				if err := c.Put(k, value); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	// ---- Report ----
	r, w, h := reads.Load(), writes.Load(), hits.Load()
	hitRate := 0.0
	if r > 0 {
		hitRate = float64(h) / float64(r) * 100
	}
	ops := r + w
	fmt.Printf("alias=%s workers=%d keys=%d dur=%v seed=%d\n", c.Alias(), workers, cli.Keys, elapsed.Round(time.Millisecond), seed)
	fmt.Printf("ops=%s (%s ops/s)  reads=%s  writes=%s\n",
		humanize.Comma(int64(ops)), humanize.Comma(int64(float64(ops)/elapsed.Seconds())),
		humanize.Comma(int64(r)), humanize.Comma(int64(w)))
	fmt.Printf("hits=%s  hit-rate=%.2f%%  Len()=%s\n", humanize.Comma(int64(h)), hitRate, humanize.Comma(int64(c.Len())))
	return nil
}

// layout returns the file configuration or one assembled from flags.
func layout(cli *CLI) (*config.Config, error) {
	if cli.Config != "" {
		return config.Load(cli.Config)
	}
	cfg := &config.Config{
		Alias:   "bench",
		TTL:     cli.TTL,
		Metrics: config.MetricsPrometheus,
	}
	if cli.HeapEntries > 0 {
		cfg.Heap = &config.HeapConfig{Entries: cli.HeapEntries, Shards: cli.Shards, Policy: cli.Policy}
	}
	if cli.Offheap != "" {
		size, err := humanize.ParseBytes(cli.Offheap)
		if err != nil {
			return nil, fmt.Errorf("offheap: %w", err)
		}
		cfg.Offheap = &config.OffheapConfig{Size: config.ByteSize(size), Segments: cli.Shards}
	}
	return cfg, cfg.Validate()
}
