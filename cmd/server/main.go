package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"officemafia/internal/cleanup"
	"officemafia/internal/lifecycle"
	"officemafia/internal/metrics"
	"officemafia/internal/relay"
	"officemafia/internal/server"
	"officemafia/internal/store"
	"officemafia/internal/telemetry"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     cfg.Level(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg server.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace shutdown failed", slog.String("error", err.Error()))
		}
	}()

	st, err := store.Open(cfg.DBPath, store.Options{
		StaleAfter: cfg.StaleSessionAfter,
		RetainFor:  cfg.RetainSessionsFor,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	bus := lifecycle.NewBus()
	var publisher lifecycle.Publisher = bus
	var rl *relay.Relay
	if cfg.RedisURL != "" {
		rl, err = relay.New(ctx, cfg.RedisURL, bus, logger)
		if err != nil {
			return err
		}
		defer rl.Close()
		publisher = lifecycle.Publishers{bus, rl}
		logger.Info("event relay enabled")
	}

	manager := lifecycle.New(st,
		lifecycle.WithPublisher(publisher),
		lifecycle.WithObserver(metrics.Lifecycle{}),
		lifecycle.WithLogger(logger),
		lifecycle.WithAssignRetries(cfg.RoleAssignRetries),
	)

	scheduler := cleanup.NewScheduler(st, cleanup.Config{
		Interval: cfg.CleanupInterval,
		Logger:   logger,
		OnSweep:  metrics.RecordSweep,
	})

	srv, err := server.New(cfg, server.Deps{
		Manager: manager,
		Store:   st,
		Events:  bus,
		Logger:  logger,
		Cleanup: scheduler,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return scheduler.Start(ctx) })
	if rl != nil {
		g.Go(func() error { return rl.Run(ctx) })
	}
	return g.Wait()
}
