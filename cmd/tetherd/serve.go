package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/vango-dev/tether/internal/config"
	"github.com/vango-dev/tether/internal/logging"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/statesync"
	"github.com/vango-dev/tether/pkg/telemetry"
)

type serveOptions struct {
	configPath string
	demo       bool
	demoSize   int
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the synchronization server",
		Long: `Run the synchronization server.

Configuration is read from tether.json (or --config) and TETHER_*
environment variables. With --demo the world is driven by a built-in
simulation so clients have something to watch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to a JSON config file")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "Drive the world with a demo simulation")
	cmd.Flags().IntVar(&opts.demoSize, "demo-entities", 32, "Number of entities in the demo simulation")

	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(os.Stderr, "tetherd", level, logging.Format(cfg.Log.Format))
	slog.SetDefault(logger)

	sc := cfg.ServerConfig()
	sc.Logger = logger

	sinks, cleanup, err := buildTelemetry(ctx, cfg, sc, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	sc.Telemetry = telemetry.Combine(sinks...)

	if cfg.Listen.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.CertFile, cfg.Listen.KeyFile)
		if err != nil {
			return fmt.Errorf("load certificate: %w", err)
		}
		sc.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	world := statesync.NewWorld(cfg.World.Retention)
	var sim *demo
	if opts.demo {
		sim = newDemo(world, opts.demoSize)
		sc.Handler = server.HandlerFunc(sim.handle)
	}
	srv := server.New(world, sc)
	if sim != nil {
		sim.srv = srv
		go sim.run(ctx, time.Duration(cfg.World.TickInterval))
	}

	logger.Info("starting tetherd",
		"version", version,
		"http", cfg.Listen.HTTP,
		"tcp", cfg.Listen.TCP,
		"quic", cfg.Listen.QUIC,
		"demo", opts.demo)
	return srv.Run(ctx)
}

// buildTelemetry assembles the configured sinks. When metrics are enabled
// sc.Metrics is set so the server exposes /metrics.
func buildTelemetry(ctx context.Context, cfg *config.Config, sc *server.ServerConfig, logger *slog.Logger) ([]telemetry.Sink, func(), error) {
	var sinks []telemetry.Sink
	cleanup := func() {}

	if cfg.Telemetry.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sinks = append(sinks, telemetry.NewPrometheus(telemetry.WithRegistry(reg)))
		sc.Metrics = reg
	}
	if cfg.Telemetry.Tracing {
		sinks = append(sinks, telemetry.NewTracing())
	}
	if cfg.Telemetry.LogEvents {
		sinks = append(sinks, telemetry.Log{Logger: logger.With("component", "telemetry")})
	}
	if cfg.Telemetry.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Telemetry.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			// Events are dropped until Redis is reachable.
			logger.Warn("redis unreachable, telemetry events may be lost", "error", err)
		}

		rc := telemetry.DefaultRedisConfig()
		rc.Channel = cfg.Telemetry.RedisChannel
		sink := telemetry.NewRedis(client, rc)
		sinks = append(sinks, sink)
		cleanup = func() {
			sink.Close()
			if n := sink.Dropped(); n > 0 {
				logger.Warn("telemetry events dropped", "count", n)
			}
			client.Close()
		}
	}
	return sinks, cleanup, nil
}
