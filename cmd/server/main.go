package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prochub/bridge/internal/config"
	"github.com/prochub/bridge/internal/db"
	"github.com/prochub/bridge/internal/logger"
	"github.com/prochub/bridge/internal/metrics"
	"github.com/prochub/bridge/internal/repository"
	"github.com/prochub/bridge/internal/session"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "prochub-bridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	sessionRepo := repository.NewSessionRepository(database)
	if n, err := sessionRepo.CloseStale(context.Background()); err != nil {
		log.Warn("failed to close stale sessions", zap.Error(err))
	} else if n > 0 {
		log.Info("closed stale sessions from previous run", zap.Int64("count", n))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessionManager := session.NewManager(sessionCfg, session.ManagerOptions{
		Logger:        log,
		Metrics:       metrics.New(reg),
		Journal:       sessionRepo,
		TranscriptDir: cfg.TranscriptDir,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(cfg, sessionManager, sessionRepo, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting bridge",
			zap.String("listen_addr", cfg.ListenAddr),
			zap.String("device", cfg.DeviceAddr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down", zap.Int("sessions", sessionManager.Len()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()

		// Sessions first: hijacked WebSocket connections are not closed by
		// the HTTP server.
		if err := sessionManager.Shutdown(shutdownCtx); err != nil {
			log.Warn("sessions did not close in time", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("bridge terminated with error", zap.Error(err))
		return err
	}
	log.Info("bridge stopped")
	return nil
}
