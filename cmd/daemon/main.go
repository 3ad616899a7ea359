// SPDX-License-Identifier: MIT

// dialcore daemon: operator API plus per-campaign dispatch and background
// loops, coordinated over Redis with a durable document store behind it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/voicelane/dialcore/internal/api"
	"github.com/voicelane/dialcore/internal/carrier"
	"github.com/voicelane/dialcore/internal/config"
	"github.com/voicelane/dialcore/internal/daemon"
	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/lifecycle"
	dclog "github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/retry"
	"github.com/voicelane/dialcore/internal/signal"
	"github.com/voicelane/dialcore/internal/store"
	"github.com/voicelane/dialcore/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("dialcore %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	dclog.Configure(dclog.Config{Service: "dialcore"})
	logger := dclog.WithComponent("daemon")

	if err := run(); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}

func run() error {
	logger := dclog.WithComponent("daemon")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	holder := config.NewHolder(cfg)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "dialcore",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		ExporterType:   cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	durable, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = durable.Close() }()

	leases := lease.New(rdb)
	bus := signal.NewRedisBus(rdb)
	sched := retry.NewScheduler(leases, durable)
	manager := lifecycle.NewManager(durable, leases, sched)

	var provider carrier.Client
	if cfg.CarrierBaseURL == "" {
		logger.Warn().Msg("no carrier configured, using the in-process stub")
		provider = carrier.NewStubClient(bus)
	} else {
		provider = carrier.NewHTTPClient(cfg.CarrierBaseURL, cfg.CarrierToken, cfg.CarrierConnectTimeout)
	}

	workerID := workerIdentity()
	logger.Info().
		Str("worker", workerID).
		Str("redis", cfg.RedisAddr).
		Str("store", cfg.StoreBackend).
		Msg("dialcore starting")

	supervisor := daemon.NewSupervisor(daemon.Deps{
		Redis:    rdb,
		Leases:   leases,
		Durable:  durable,
		Bus:      bus,
		Carrier:  provider,
		Manager:  manager,
		Sched:    sched,
		Holder:   holder,
		WorkerID: workerID,
		CallerID: os.Getenv("CALLER_ID"),
	})

	apiServer := api.NewServer(manager, durable, leases, bus, cfg)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("operator API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error {
		if err := holder.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("config watch: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("dialcore stopped")
	return err
}

// workerIdentity builds a stable per-process owner string for ownership keys
// and lease diagnostics.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
