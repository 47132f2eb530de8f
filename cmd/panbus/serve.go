// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/broker/events"
	"github.com/absmach/panbus/broker/middleware"
	"github.com/absmach/panbus/broker/webhook"
	"github.com/absmach/panbus/config"
	"github.com/absmach/panbus/hub"
	"github.com/absmach/panbus/ratelimit"
	"github.com/absmach/panbus/rpc"
	"github.com/absmach/panbus/server/api"
	"github.com/absmach/panbus/server/otel"
	"github.com/absmach/panbus/server/websocket"
	"github.com/absmach/panbus/storage/memory"
	"github.com/absmach/panbus/tracebuf"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bus with its admin API and WebSocket intake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.Log, os.Stdout))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.SetDefault(logger)
	logger.Info("panbus_starting",
		slog.String("version", version),
		slog.String("broker_id", cfg.Broker.ID),
		slog.Bool("api_enabled", cfg.Server.APIEnabled),
		slog.Bool("ws_enabled", cfg.Server.WSEnabled),
		slog.Bool("webhooks_enabled", cfg.Webhook.Enabled),
		slog.Bool("trace_enabled", cfg.Trace.Enabled))

	// The hub takes intents before the engine exists; they replay on Attach.
	intake := hub.New(cfg.Hub.MaxPending, logger)

	var (
		metrics *otel.Metrics
		tracer  trace.Tracer
	)
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server, cfg.Broker.ID)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Error("otel_shutdown_failed", slog.String("error", err.Error()))
			}
		}()
		logger.Info("otel_initialized", slog.String("endpoint", cfg.Server.MetricsAddr))

		if cfg.Server.OtelMetricsEnabled {
			if metrics, err = otel.NewMetrics(nil); err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
		}
		if cfg.Server.OtelTracesEnabled {
			tracer = otel.Tracer()
		}
	}

	var notifier events.Notifier
	if cfg.Webhook.Enabled {
		d, err := webhook.NewDispatcher(cfg.Webhook, cfg.Broker.ID, webhook.NewHTTPSender(), logger)
		if err != nil {
			return fmt.Errorf("failed to create webhook dispatcher: %w", err)
		}
		defer d.Close()
		notifier = d
	}

	limiter := ratelimit.NewManager(cfg.Broker.RateLimit)
	go limiter.Run(ctx)

	b := broker.NewBroker(broker.Config{
		ID:                  cfg.Broker.ID,
		MaxMessageSize:      cfg.Broker.MaxMessageSize,
		AllowGlobalWildcard: cfg.Broker.AllowGlobalWildcard,
	}, memory.NewRetainedStore(cfg.Broker.MaxRetainedEntries, cfg.Broker.MaxRetainedBytes),
		limiter, logger, nil, notifier, metrics, tracer)
	defer b.Close()

	if cfg.Trace.Enabled {
		b.SetTraceBuffer(tracebuf.New(cfg.Trace.Capacity, cfg.Trace.SampleRate))
	}

	if err := intake.Attach(middleware.NewLogging(b, logger)); err != nil {
		return err
	}

	coord, err := rpc.New(b,
		rpc.WithTimeout(cfg.Broker.DefaultRequestTimeout),
		rpc.WithClientID(cfg.Broker.ID),
		rpc.WithLogger(logger),
		rpc.WithMetrics(metrics),
		rpc.WithNotifier(notifier))
	if err != nil {
		return fmt.Errorf("failed to start request coordinator: %w", err)
	}
	defer coord.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listen(ctx); err != nil {
				logger.Error("server_failed", slog.String("server", name), slog.String("error", err.Error()))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	if cfg.Server.APIEnabled {
		srv := api.New(api.Config{
			Address:         cfg.Server.APIAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, api.NewHandler(b, intake, coord), logger)
		run("api", srv.Listen)
	}
	if cfg.Server.WSEnabled {
		srv := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			AllowedOrigins:  cfg.Server.WSAllowedOrigin,
		}, intake, limiter, logger)
		run("websocket", srv.Listen)
	}

	logger.Info("panbus_started")
	<-ctx.Done()
	logger.Info("panbus_stopping")
	wg.Wait()

	return errors.Join(errs...)
}
