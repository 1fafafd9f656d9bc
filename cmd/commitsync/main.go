package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/commitsync/internal/config"
	"github.com/agentworkforce/commitsync/internal/service"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("COMMITSYNC_CONFIG")), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "commitsync: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(os.Stderr, cfg.SlogLevel())
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration rejected", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("commitsync stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	svc, err := service.Build(cfg, logger, service.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           svc.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := svc.Leases.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		logger.Info("commitsync listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.Renewer.Run(gctx, cfg.Renewal.Interval, cfg.Renewal.Jitter)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer, svc, cfg.ShutdownTimeout, logger)
	})
	err = g.Wait()
	svc.Leases.Wait()
	return err
}

// shutdown stops accepting requests, then waits for dispatched batches.
func shutdown(httpServer *http.Server, svc *service.Service, timeout time.Duration, logger *slog.Logger) error {
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("commitsync shutting down")
	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.Dispatcher.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain notifications: %w", err))
	}
	return errors.Join(errs...)
}
