package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"catalog-similarity-engine/internal/api"
	"catalog-similarity-engine/internal/app"
	"catalog-similarity-engine/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the YAML config file")
		watch      = flag.Bool("watch", true, "reload the config file when it changes")
	)
	flag.Parse()

	if err := run(*configPath, *watch); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgs, err := config.NewManager(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer cfgs.Close()

	a, err := app.New(ctx, cfgs)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.Logger.Error("shutdown", "error", err)
		}
	}()
	slog.SetDefault(a.Logger)

	if watch {
		if err := cfgs.Watch(ctx); err != nil {
			a.Logger.Warn("config watch disabled", "error", err)
		}
	}

	// Warm the index before accepting traffic.
	if err := a.Manager.Load(ctx); err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	cfg := cfgs.Get()
	srv := api.NewServer(a.Search, a.Indexer, a.Manager, a.Store, api.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Logger:         a.Logger,
		Images:         a.Images,
	})
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(srv, api.RouterOptions{
			MetricsEnabled: cfg.Metrics.Enabled,
			MetricsPath:    cfg.Metrics.Path,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		st := a.Manager.Stats()
		a.Logger.Info("catalog-similarity-engine listening",
			"addr", httpServer.Addr, "live", st.Live, "dimension", st.Dimension)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
