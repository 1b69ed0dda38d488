// netwire-echo binds a TCP echo server, connects a client through the
// same pool, and round-trips one line. Metrics are exposed when
// NETWIRE_METRICS_ADDR is set.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dqx0.com/go/netwire/internal/config"
	"dqx0.com/go/netwire/internal/obs"
	"dqx0.com/go/netwire/tcpx"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := obs.SlogLogger{L: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))}

	reg := prometheus.NewRegistry()
	meter := obs.NewPromMeter(reg)
	statsFactory := obs.NewConnStatsFactory(reg)
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Logf(obs.Warn, "metrics server: %v", err)
			}
		}()
	}

	pool := &tcpx.Pool{Capacity: int64(cfg.GroupCapacity), Logger: logger}
	defer pool.Shutdown()

	var throttle *tcpx.ThrottleSpec
	if cfg.ThrottleBytesPerSecond > 0 {
		throttle = &tcpx.ThrottleSpec{BytesPerSecond: cfg.ThrottleBytesPerSecond}
	}

	stats := func(endpoint string) tcpx.StatsListener { return statsFactory(endpoint) }
	srv := &tcpx.Server{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Pool:     pool,
		Portable: cfg.Portable,
		Throttle: throttle,
		Stats:    stats,
		Logger:   logger,
		Meter:    meter,
		Handler: func(in *tcpx.Inbound, out *tcpx.Outbound) error {
			return in.Receive(context.Background(), func(p []byte) error {
				cp := make([]byte, len(p))
				copy(cp, p)
				out.Options(func(o *tcpx.SendOptions) { o.Mode = tcpx.FlushEachItem }).
					Send(func(yield func([]byte) bool) { yield(cp) })
				return out.Err()
			})
		},
		OnBound: func(b *tcpx.Bound) {
			logger.Logf(obs.Info, "listening on %s", b.Addr())
		},
	}

	bound, err := srv.BindNow(cfg.BindTimeout)
	if err != nil {
		log.Fatal(err)
	}
	defer bound.Dispose()

	cl := &tcpx.Client{
		Host:        "127.0.0.1",
		Port:        bound.Port(),
		Pool:        pool,
		Portable:    cfg.Portable,
		Stats:       stats,
		Logger:      logger,
		Meter:       meter,
		DialTimeout: cfg.DialTimeout,
	}
	conn, err := cl.Connect(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Dispose()

	msg := []byte("hello netwire\n")
	conn.Outbound().
		Options(func(o *tcpx.SendOptions) { o.Mode = tcpx.FlushEachItem }).
		Send(func(yield func([]byte) bool) { yield(msg) })
	if err := conn.Outbound().Complete(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got bytes.Buffer
	err = conn.Inbound().Receive(ctx, func(p []byte) error {
		got.Write(p)
		if got.Len() >= len(msg) {
			cancel()
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
	fmt.Printf("echoed %q\n", got.String())
}
