// doge serves the Doge Unblocker site and its proxy backends on one port.
// Usage: doge -config configs/doge.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jpillora/requestlog"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/doge-gateway/internal/bare"
	"github.com/rickgao/doge-gateway/internal/config"
	"github.com/rickgao/doge-gateway/internal/counter"
	"github.com/rickgao/doge-gateway/internal/database"
	"github.com/rickgao/doge-gateway/internal/router"
	"github.com/rickgao/doge-gateway/internal/site"
	"github.com/rickgao/doge-gateway/internal/upstream"
	"github.com/rickgao/doge-gateway/internal/version"
	"github.com/rickgao/doge-gateway/internal/wisp"
)

func main() {
	configPath := flag.String("config", "", "path to config file (built-in defaults when empty)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Visit counter
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open counter store", "store", cfg.Counter.Store, "error", err)
		os.Exit(1)
	}
	visits := counter.New(ctx, store, logger)

	// Fallback site
	scripts := upstream.NewClient(
		upstream.WithLogger(logger),
		upstream.WithTimeout(cfg.Upstream.Timeout),
		upstream.WithRetries(cfg.Upstream.Retries(), cfg.Upstream.RetryBackoff),
		upstream.WithUserAgent(version.UserAgent()),
	)
	fallback, err := site.New(cfg.Site, visits, scripts, logger)
	if err != nil {
		logger.Error("failed to build site", "static_dir", cfg.Site.StaticDir, "error", err)
		os.Exit(1)
	}

	// Backends
	handler, err := buildDispatcher(cfg, fallback, logger)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}
	if cfg.Log.Level == "debug" {
		handler = requestlog.Wrap(handler)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}

	var metricsServer *http.Server
	if !cfg.Metrics.Disabled {
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           newMetricsHandler(cfg.Metrics.Path, visits),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// Bind before logging the banner so a busy port fails fast.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	logger.Info("doge gateway listening",
		"version", version.Version,
		"commit", version.Commit,
		"port", cfg.Server.Port,
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"time", time.Now().Format(time.RFC3339),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal",
				"signal", sig.String(),
				"time", time.Now().Format(time.RFC3339),
			)
		case <-gctx.Done():
			return nil
		}

		grace := cfg.Shutdown.GracePeriod
		if grace == 0 {
			flushCounter(visits, logger)
			closeStore()
			os.Exit(1)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown did not finish in time", "grace_period", grace, "error", err)
		}
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	flushCounter(visits, logger)
	if err != nil {
		logger.Error("server stopped", "error", err)
	} else {
		logger.Info("doge gateway stopped")
	}
	closeStore()
	os.Exit(1)
}

// buildDispatcher registers the proxy backends in priority order.
func buildDispatcher(cfg *config.Config, fallback http.Handler, logger *slog.Logger) (http.Handler, error) {
	registry := router.NewRegistry()
	if !cfg.Bare.Disabled {
		registry.Register(bare.New(cfg.Bare, bare.WithLogger(logger)))
	}

	opts := []router.Option{router.WithLogger(logger)}
	if !cfg.Wisp.Disabled {
		tunnel := wisp.NewServer(cfg.Wisp, wisp.WithLogger(logger))
		opts = append(opts, router.WithTunnel(tunnel.Suffix(), tunnel))
	}

	return router.New(registry, fallback, opts...)
}

// openStore returns the configured counter store and a release func.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (counter.Store, func(), error) {
	if cfg.Counter.Store != config.StorePostgres {
		logger.Info("visit counter file", "path", cfg.Counter.File)
		return counter.NewFileStore(cfg.Counter.File), func() {}, nil
	}

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	store, err := counter.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("database connected")
	return store, pool.Close, nil
}

func flushCounter(visits *counter.Counter, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := visits.Close(ctx); err != nil {
		logger.Error("failed to flush visit counter", "count", visits.Current(), "error", err)
	}
}
