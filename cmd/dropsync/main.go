package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/dropsync/internal/config"
	"github.com/alexjbarnes/dropsync/internal/device"
	"github.com/alexjbarnes/dropsync/internal/drive"
	"github.com/alexjbarnes/dropsync/internal/logging"
	"github.com/alexjbarnes/dropsync/internal/remote"
	"github.com/alexjbarnes/dropsync/internal/router"
	"github.com/alexjbarnes/dropsync/internal/server"
	"github.com/alexjbarnes/dropsync/internal/sharing"
	"github.com/alexjbarnes/dropsync/internal/store"
	syncengine "github.com/alexjbarnes/dropsync/internal/sync"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("dropsync starting",
		slog.String("version", Version),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("feed", cfg.EnableFeed),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath(), cfg.LocalQuotaBytes)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer st.Close()

	if cfg.RemoteToken != "" {
		if err := st.SetToken(cfg.RemoteToken); err != nil {
			logger.Warn("failed to save token", slog.String("error", err.Error()))
		}
	}

	token := remote.TokenFunc(st.Token)
	client := remote.NewClient(nil, cfg.RemoteURL, token)

	rt := router.New(logger,
		router.NewInlineTier(st, cfg.InlineMaxBytes),
		router.NewDeviceTier(st, cfg.BlobDir(), cfg.DeviceMaxBytes),
		router.NewRemoteTier(st, client),
	)

	engine := syncengine.NewEngine(st, client, logger, cfg.Debounce)
	ledger := sharing.NewLedger(client, logger)

	svc, err := drive.NewService(st, rt, client, ledger, engine, logger, cfg.PrincipalID)
	if err != nil {
		return fmt.Errorf("building drive service: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	g.Go(func() error {
		watcher := device.NewWatcher(cfg.BlobDir(), engine, logger)
		return watcher.Run(gctx)
	})

	if cfg.EnableFeed {
		feed := remote.NewFeed(feedURL(cfg.RemoteURL), token, engine.NotifyChanged, logger)
		g.Go(func() error {
			return feed.Run(gctx)
		})
	}

	g.Go(func() error {
		return serveHTTP(gctx, cfg, svc, logger)
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Normal signal-driven shutdown.
		logger.Info("dropsync stopped")
		return nil
	}

	return err
}

// serveHTTP runs the UI-facing API server until ctx is cancelled.
func serveHTTP(ctx context.Context, cfg *config.Config, svc *drive.Service, logger *slog.Logger) error {
	mux := server.NewMux(server.MuxConfig{Service: svc, Logger: logger})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down API server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("API server listening", slog.String("addr", cfg.ListenAddr))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// feedURL derives the websocket change feed endpoint from the remote
// service base URL.
func feedURL(baseURL string) string {
	url := strings.TrimRight(baseURL, "/")

	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}

	return url + "/feed"
}
