// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/driftline/tripchat/config"
	"github.com/driftline/tripchat/persist"
	"github.com/driftline/tripchat/pkg/logging"
	"github.com/driftline/tripchat/realtime"
	"github.com/driftline/tripchat/session"
	"github.com/driftline/tripchat/storage"
)

// reconnectBaseDelay seeds the exponential backoff between reconnect
// attempts after a backend-initiated drop.
const reconnectBaseDelay = 2 * time.Second

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "tripchat",
		JSON:    cfg.Logging.JSON,
	})
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if enableTrace {
		shutdown, err := initTracing()
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("trace shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	store, err := openStore(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pcfg := persist.DefaultConfig()
	pcfg.Retention = cfg.Retention()
	pcfg.Logger = log.Logger
	manager, err := persist.NewManager(store, pcfg)
	if err != nil {
		return err
	}

	tokens, err := realtime.NewHTTPTokenProvider(cfg.Realtime.TokenEndpoint, nil)
	if err != nil {
		return err
	}

	wsCfg := realtime.DefaultWSConfig(cfg.Realtime.GatewayURL)
	wsCfg.AckTimeout = cfg.Realtime.AckTimeout.AsDuration()
	wsCfg.Logger = log.Logger
	client, err := realtime.NewWSClient(wsCfg)
	if err != nil {
		return err
	}

	conn, err := realtime.NewConnManager(client, tokens, log.Logger)
	if err != nil {
		return err
	}

	api, err := session.NewHTTPSessionAPI(cfg.Realtime.APIBaseURL, nil)
	if err != nil {
		return err
	}

	sess, err := buildSession(cfg, conn, api, manager, log.Logger)
	if err != nil {
		return err
	}

	identity := realtime.Identity{UserID: cfg.Session.UserID, DisplayName: cfg.Session.DisplayName}
	client.SetDropHandler(func(dropErr error) {
		conn.MarkDropped(dropErr)
		go reconnectLoop(ctx, conn, identity, log.Logger, sess.ReportConnectionFailure)
	})

	if err := sess.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}

	watcher, err := config.NewWatcher(cfgPath, log.Logger, func(next *config.Config) {
		log.SetLevel(logging.ParseLevel(next.Logging.Level))
		sess.SetConflictPolicy(session.ConflictPolicy(next.Session.ConflictPolicy))
	})
	if err != nil {
		log.Warn("config watch unavailable", slog.String("error", err.Error()))
	} else {
		go watcher.Start(ctx)
	}

	var server *http.Server
	if cfg.Service.ListenAddr != "" {
		server = statusServer(cfg.Service.ListenAddr, sess)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("status server failed", slog.String("error", err.Error()))
			}
		}()
		log.Info("status server listening", slog.String("addr", cfg.Service.ListenAddr))
	}

	log.Info("session running",
		slog.String("trip_id", cfg.Session.TripID),
		slog.String("user_id", cfg.Session.UserID),
	)
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("status server shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := sess.Close(shutdownCtx); err != nil {
		log.Warn("session close failed", slog.String("error", err.Error()))
	}
	return nil
}

func buildSession(cfg *config.Config, conn *realtime.ConnManager, api session.SessionAPI, manager *persist.Manager, logger *slog.Logger) (*session.ChatSession, error) {
	scfg := session.DefaultConfig(cfg.Session.TripID, cfg.Session.UserID)
	scfg.DisplayName = cfg.Session.DisplayName
	scfg.Privileged = cfg.Session.Privileged
	scfg.ConflictPolicy = session.ConflictPolicy(cfg.Session.ConflictPolicy)
	scfg.FlushPerSecond = cfg.Session.FlushPerSecond
	scfg.Logger = logger

	tripDate := cfg.Session.TripDate
	if tripDate.IsZero() {
		tripDate = time.Now()
	}
	trip := session.TripContext{
		TripID:         cfg.Session.TripID,
		Date:           tripDate,
		Rules:          session.DefaultTransitionRules(),
		AutoTransition: cfg.Session.AutoTransition,
	}
	return session.NewChatSession(scfg, trip, conn, api, manager)
}

func openStore(cfg *config.Config, logger *slog.Logger) (storage.Adapter, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(cfg.Storage.QuotaBytes), nil
	default:
		bcfg := storage.DefaultBadgerConfig(cfg.Storage.Path)
		bcfg.SyncWrites = cfg.Storage.SyncWrites
		bcfg.Logger = logger
		return storage.OpenBadgerStore(bcfg)
	}
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds, the retry ceiling is hit, or the context ends. The manager
// itself does no backoff; scheduling lives here. onExhausted fires once
// when the ceiling is reached so the session can surface the terminal
// failure to the user.
func reconnectLoop(ctx context.Context, conn *realtime.ConnManager, identity realtime.Identity, logger *slog.Logger, onExhausted func(error)) {
	delay := reconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := conn.Reconnect(ctx, identity)
		if err == nil {
			logger.Info("reconnected")
			return
		}
		if err == context.Canceled || ctx.Err() != nil {
			return
		}
		logger.Warn("reconnect attempt failed", slog.String("error", err.Error()))
		if errors.Is(err, realtime.ErrRetriesExhausted) || conn.Status().RetryCount >= realtime.MaxConnectRetries {
			logger.Error("reconnect retries exhausted")
			if onExhausted != nil {
				onExhausted(err)
			}
			return
		}
		delay *= 2
	}
}

func statusServer(addr string, sess *session.ChatSession) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, sess.Snapshot())
	})
	router.GET("/notifications", func(c *gin.Context) {
		c.JSON(http.StatusOK, sess.Notifications())
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func initTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
