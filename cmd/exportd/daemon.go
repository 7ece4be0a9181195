package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wa-export/exportd/internal/export"
	"github.com/wa-export/exportd/internal/journal"
	"github.com/wa-export/exportd/internal/metrics"
	"github.com/wa-export/exportd/internal/session"
	"github.com/wa-export/exportd/internal/userdata"
	"github.com/wa-export/exportd/internal/wa"
	"github.com/wa-export/exportd/internal/ws"
)

const shutdownTimeout = 30 * time.Second

func runDaemon(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogging(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().Str("version", getVersion()).Str("data_dir", cfg.Storage.DataDir).Msg("starting exportd")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	layout := userdata.NewLayout(cfg.Storage.DataDir)
	if err := os.MkdirAll(layout.Root(), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	manager := session.NewManager(session.Options{
		Layout: layout,
		NewClient: wa.Factory(wa.Config{
			DeviceDB:        cfg.WhatsApp.DeviceDB,
			HistoryDB:       cfg.WhatsApp.HistoryDB,
			LibraryLogLevel: cfg.WhatsApp.LibraryLogLvl,
		}, logger),
		Metrics:         m,
		Logger:          logger,
		TeardownTimeout: cfg.Sessions.TeardownTimeout(),
	})

	var actions *journal.Journal
	if cfg.Journal.Enabled {
		actions, err = journal.Open(cfg.Journal.Dir)
		if err != nil {
			return err
		}
		defer actions.Close()
	}

	exporter := export.New(export.Options{
		Layout:       layout,
		Clients:      manager,
		Metrics:      m,
		Logger:       logger,
		MessageLimit: cfg.WhatsApp.MessageLimit,
	})

	server := ws.NewServer(ws.Options{
		Sessions:       manager,
		Exports:        exporter,
		Journal:        actions,
		Layout:         layout,
		Gatherer:       reg,
		Logger:         logger,
		Token:          cfg.Server.Token,
		UserIDHeader:   cfg.Server.UserIDHeader,
		UsernameHeader: cfg.Server.UsernameHdr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		LogoutTimeout:  cfg.Sessions.LogoutTimeout(),
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Storage.WatchUsers {
		watcher, err := userdata.NewWatcher(layout, manager.UserRemoved, logger)
		if err != nil {
			return fmt.Errorf("failed to watch data directory: %w", err)
		}
		go watcher.Run(ctx)
	}

	if err := server.Start(cfg.Server.Listen); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("gateway shutdown incomplete")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("session shutdown incomplete")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
