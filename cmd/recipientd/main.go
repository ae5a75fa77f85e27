// Package main runs the recipient identity cache as a standalone daemon.
// It wires a record store, an optional NATS directory resolver, the cache
// and an HTTP server exposing metrics and recipient lookups.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/recipientcache/config"
	"github.com/c360/recipientcache/health"
	"github.com/c360/recipientcache/metric"
	"github.com/c360/recipientcache/natsclient"
	"github.com/c360/recipientcache/recipient"
	"github.com/c360/recipientcache/recipient/kvstore"
	"github.com/c360/recipientcache/recipient/memstore"
	"github.com/c360/recipientcache/recipient/natsresolver"
	"github.com/c360/recipientcache/recipient/pebblestore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "recipientd"
)

// Service status values reported through the core metrics
const (
	statusStopped = iota
	statusStarting
	statusRunning
	statusStopping
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// daemon holds everything that must be torn down on exit
type daemon struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	health   *health.Monitor
	nats     *natsclient.Client
	closers  []func() error
	cache    *recipient.Cache
	server   *metric.Server
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("Starting recipient cache",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"platform", cfg.Platform.ID,
		"storage", cfg.Storage.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &daemon{
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		health:   health.NewMonitor(health.PartStore, health.PartCache),
	}
	d.registry.CoreMetrics().RecordServiceStatus(appName, statusStarting)
	defer d.shutdown(cliCfg.ShutdownTimeout)

	if err := d.setup(ctx, cfg, cliCfg); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	if d.server != nil {
		go func() {
			logger.Info("HTTP server listening", "address", d.server.Address())
			serverErr <- d.server.Start()
		}()
	}

	d.registry.CoreMetrics().RecordServiceStatus(appName, statusRunning)
	logger.Info("Recipient cache ready")

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		return nil
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}
}

// loadConfig reads the file named by the CLI, or falls back to defaults
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cliCfg.MetricsPort > 0 {
		cfg.Metrics.Port = cliCfg.MetricsPort
	}
	return cfg, nil
}

func (d *daemon) setup(ctx context.Context, cfg *config.Config, cliCfg *CLIConfig) error {
	if needsNATS(cfg) {
		if err := d.connectNATS(ctx, cfg); err != nil {
			d.health.Report(health.PartNATS, err, "")
			return err
		}
		d.health.Healthy(health.PartNATS, "connected")
	}

	store, err := d.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	d.health.Healthy(health.PartStore, cfg.Storage.Mode+" store open")

	var resolver recipient.Resolver
	if cfg.Resolver.Enabled {
		rcfg := natsresolver.DefaultConfig()
		rcfg.SubjectPrefix = cfg.Resolver.SubjectPrefix
		rcfg.Timeout = cfg.Resolver.Timeout
		if cfg.Resolver.MaxAttempts > 0 {
			rcfg.Retry.MaxAttempts = cfg.Resolver.MaxAttempts
		}
		r, err := natsresolver.New(d.nats, rcfg, d.logger, natsresolver.WithMetrics(d.registry.CoreMetrics()))
		if err != nil {
			return fmt.Errorf("create resolver: %w", err)
		}
		resolver = r
	}
	if cfg.Resolver.Serve {
		if err := natsresolver.Serve(d.nats, cfg.Resolver.SubjectPrefix, store, d.logger); err != nil {
			return fmt.Errorf("serve directory: %w", err)
		}
	}

	d.cache, err = recipient.New(cfg.Cache, recipient.Dependencies{
		Store:           store,
		Resolver:        resolver,
		Logger:          d.logger,
		MetricsRegistry: d.registry,
		Self:            recipient.SelfConfig(cfg.Self),
	})
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	if err := d.cache.Start(ctx); err != nil {
		return fmt.Errorf("start cache: %w", err)
	}
	d.health.Healthy(health.PartCache, "started")

	if !cliCfg.SkipWarmUp {
		d.health.Degraded(health.PartWarmup, "preloading recent recipients and contacts")
		done := d.cache.WarmUp(ctx)
		start := time.Now()
		go func() {
			<-done
			d.health.Set(health.PartWarmup, health.NewHealthy(string(health.PartWarmup), "complete").WithDetails(map[string]any{
				"elapsed": time.Since(start).String(),
				"cached":  d.cache.Stats().Canonical.CurrentSize,
			}))
			d.logger.Debug("Warm-up goroutine exited", "elapsed", time.Since(start))
		}()
	}

	if cfg.Metrics.Enabled {
		d.server = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, d.registry)
		d.server.Mount("/v1/recipients", recipient.NewHTTPHandler(d.cache, d.logger))
		d.server.Mount("/healthz", health.Handler(d.health, appName))
	}
	return nil
}

func needsNATS(cfg *config.Config) bool {
	return cfg.Storage.Mode == config.StorageKV || cfg.Resolver.Enabled || cfg.Resolver.Serve
}

func (d *daemon) connectNATS(ctx context.Context, cfg *config.Config) error {
	url := cfg.NATS.URLs[0]
	if envURL := os.Getenv("RECIPIENTS_NATS_URLS"); envURL != "" {
		url = envURL
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(d.logger),
		natsclient.WithName(appName + "-" + cfg.Platform.ID),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithMetrics(d.registry.CoreMetrics()),
		natsclient.WithDisconnectCallback(func(err error) {
			msg := "disconnected"
			if err != nil {
				msg = health.FromError(string(health.PartNATS), err, "").Message
			}
			d.health.Degraded(health.PartNATS, msg)
		}),
		natsclient.WithReconnectCallback(func() {
			d.health.Healthy(health.PartNATS, "reconnected")
		}),
	}
	switch {
	case cfg.NATS.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	case cfg.NATS.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}

	client, err := natsclient.NewClient(url, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	d.nats = client

	d.logger.Info("Connecting to NATS", "url", url)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

func (d *daemon) openStore(ctx context.Context, cfg *config.Config) (recipient.Store, error) {
	core := d.registry.CoreMetrics()

	switch cfg.Storage.Mode {
	case config.StorageKV:
		bucket, err := d.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Storage.Bucket,
			Description: "recipient identity records",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", cfg.Storage.Bucket, err)
		}
		return kvstore.New(d.nats.NewKVStore(bucket),
			kvstore.WithLogger(d.logger),
			kvstore.WithMetrics(core)), nil

	case config.StoragePebble:
		s, err := pebblestore.Open(cfg.Storage.Path,
			pebblestore.WithLogger(d.logger),
			pebblestore.WithMetrics(core))
		if err != nil {
			return nil, fmt.Errorf("open pebble store: %w", err)
		}
		d.closers = append(d.closers, s.Close)
		return s, nil

	default:
		d.logger.Warn("Using in-memory store, records are lost on exit")
		return memstore.New(), nil
	}
}

// shutdown stops components in reverse start order
func (d *daemon) shutdown(timeout time.Duration) {
	d.registry.CoreMetrics().RecordServiceStatus(appName, statusStopping)
	d.health.Unhealthy(health.PartCache, "stopping")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if d.server != nil {
		if err := d.server.Stop(ctx); err != nil {
			d.logger.Error("Failed to stop HTTP server", "error", err)
		}
	}
	if d.cache != nil {
		if err := d.cache.Stop(remaining(ctx, timeout)); err != nil {
			d.logger.Error("Failed to stop cache", "error", err)
		}
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Error("Failed to close store", "error", err)
		}
	}
	if d.nats != nil {
		if err := d.nats.Close(ctx); err != nil {
			d.logger.Error("Failed to close NATS client", "error", err)
		}
	}

	d.registry.CoreMetrics().RecordServiceStatus(appName, statusStopped)
	d.logger.Info("Recipient cache shutdown complete")
}

func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			return left
		}
		return 0
	}
	return fallback
}
