package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ent0n29/autoshare/internal/clients"
	"github.com/ent0n29/autoshare/internal/config"
	"github.com/ent0n29/autoshare/internal/control"
	"github.com/ent0n29/autoshare/internal/history"
	"github.com/ent0n29/autoshare/internal/httpapi"
	"github.com/ent0n29/autoshare/internal/logging"
	"github.com/ent0n29/autoshare/internal/notify"
	"github.com/ent0n29/autoshare/internal/observability"
	"github.com/ent0n29/autoshare/internal/scheduler"
	"github.com/ent0n29/autoshare/internal/tasks"
	"github.com/ent0n29/autoshare/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "console")
		boot.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	runs, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("history store init failed")
	}
	defer runs.Close()
	historyMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		historyMode = "postgres"
	}
	logger.Info().Str("mode", historyMode).Msg("history store ready")

	registry := clients.NewRegistry()
	registry.SetChangeHook(metrics.SetConnectedClients)
	store := tasks.NewStore(cfg.TaskLogWindow)
	store.SetChangeHook(metrics.SetActiveTasks)
	notifier := notify.New(registry, store)

	upstreamClient := upstream.New(upstream.Config{
		ShareURL:        cfg.UpstreamShareURL,
		ExchangeURL:     cfg.UpstreamExchangeURL,
		UserAgent:       cfg.UpstreamUserAgent,
		Timeout:         cfg.UpstreamTimeout,
		ExchangeTimeout: cfg.UpstreamExchangeTimeout,
	})
	if !upstreamClient.CanExchange() {
		logger.Info().Msg("no exchange endpoint configured; cookie credentials are sent as-is")
	}

	sched := scheduler.New(scheduler.Config{
		ErrorThreshold: cfg.TaskErrorThreshold,
		DeadlineGrace:  cfg.TaskDeadlineGrace,
	}, scheduler.Deps{
		Store:    store,
		Sharer:   upstreamClient,
		Presence: registry,
		Events:   notifier,
		History:  runs,
		Metrics:  metrics,
	}, logger)

	ctrl := control.New(control.Config{
		Secret:         cfg.ServerSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		ClientIDs: control.ClientIDCodec{
			PrefixA: cfg.ClientIDPrefixA,
			PrefixB: cfg.ClientIDPrefixB,
			Suffix:  cfg.ClientIDSuffix,
		},
		TokenPrefixes: cfg.TokenPrefixes,
		MinInterval:   cfg.TaskMinInterval,
		RestartDelay:  cfg.TaskRestartDelay,
	}, control.Deps{
		Store:     store,
		Scheduler: sched,
		Exchanger: upstreamClient,
		Presence:  registry,
		Events:    notifier,
		History:   runs,
	}, logger)

	api := httpapi.New(cfg, httpapi.Deps{
		Clients:     registry,
		Store:       store,
		Control:     ctrl,
		Notifier:    notifier,
		Metrics:     metrics,
		HistoryMode: historyMode,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	ctrl.Close()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler shutdown incomplete")
	}
	api.Close()

	logger.Info().Msg("shutdown complete")
}
