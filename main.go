package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stevemurr/offline-sync/cache"
	"github.com/stevemurr/offline-sync/config"
	"github.com/stevemurr/offline-sync/handler"
	"github.com/stevemurr/offline-sync/logging"
	"github.com/stevemurr/offline-sync/reconcile"
	"github.com/stevemurr/offline-sync/store"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "offline-sync",
	Short: "Offline-first record store, caching proxy and sync server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE:  runServe,
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the caching proxy in front of an upstream app",
	Long: `Installs the configured cache generation, activates it, and serves
the upstream through the cache interceptor. Requests keep being answered
from the caches when the upstream is unreachable.`,
	RunE: runProxy,
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Push queued local writes to the sync endpoint",
	RunE:  runFlush,
}

var (
	upstreamURL string
	watch       bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	proxyCmd.Flags().StringVar(&upstreamURL, "upstream", "", "upstream app URL (defaults to cache.origin)")
	flushCmd.Flags().BoolVar(&watch, "watch", false, "keep flushing every sync.interval")

	rootCmd.AddCommand(serveCmd, proxyCmd, flushCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDB(ctx context.Context, extra ...string) (*store.Registry, *store.DB, error) {
	reg := store.NewRegistry(store.NewOpener(cfg.StoreBackend, cfg.DataDir), logger)
	collections := append(append([]string(nil), cfg.Database.Collections...), extra...)
	db, err := reg.Open(ctx, cfg.Database.Name, cfg.Database.Version, collections)
	if err != nil {
		reg.Close()
		if errors.Is(err, store.ErrStorageUnavailable) {
			logger.Fatal("no persistent storage available",
				zap.String("backend", cfg.StoreBackend),
				zap.String("data_dir", cfg.DataDir),
				zap.Error(err))
		}
		return nil, nil, err
	}
	return reg, db, nil
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func listen(ctx context.Context, h http.Handler) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return errors.Wrap(err, "server error")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, db, err := openDB(ctx, handler.AppliedCollection)
	if err != nil {
		return err
	}
	defer reg.Close()

	names, err := handler.NewNameLog(filepath.Join(cfg.DataDir, "names.json"))
	if err != nil {
		return err
	}
	h := handler.New(db, names, handler.WithLogger(logger))
	for collection, raw := range cfg.Schemas {
		if err := h.SetSchema(collection, raw); err != nil {
			return errors.Wrapf(err, "schema for %s", collection)
		}
	}
	metrics := newMetricsRegistry()
	h.Handle("GET /metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))

	logger.Info("sync server starting",
		zap.String("store", cfg.StoreBackend),
		zap.String("data", cfg.DataDir),
		zap.Strings("collections", db.Collections()))
	return listen(ctx, handler.Logging(handler.CORS(h, cfg.AllowedOrigins), logger))
}

func runProxy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raw := upstreamURL
	if raw == "" {
		raw = cfg.Cache.Origin
	}
	if raw == "" {
		return errors.New("no upstream: pass --upstream or set cache.origin")
	}
	upstream, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "parse upstream")
	}
	cacheCfg := cfg.Cache
	if cacheCfg.Origin == "" {
		cacheCfg.Origin = upstream.String()
	}

	metrics := newMetricsRegistry()
	interceptor, err := cache.New(cacheCfg, cache.NewStorage(), nil,
		cache.WithLogger(logger),
		cache.WithMetrics(cache.NewMetrics(metrics)))
	if err != nil {
		return err
	}
	if err := interceptor.Install(ctx); err != nil {
		return err
	}
	if err := interceptor.Activate(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	mux.Handle("/", interceptor.Handler(upstream))
	logger.Info("caching proxy starting",
		zap.String("upstream", upstream.String()),
		zap.String("cache", cacheCfg.CacheName()))
	return listen(ctx, handler.Logging(mux, logger))
}

func runFlush(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, db, err := openDB(ctx, reconcile.QueueCollection)
	if err != nil {
		return err
	}
	defer reg.Close()

	queue, err := reconcile.NewQueue(db)
	if err != nil {
		return err
	}
	r := reconcile.New(db, queue, cfg.Sync.Endpoint, reconcile.WithLogger(logger))
	if watch {
		err := r.Run(ctx, cfg.Sync.Interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	out, err := r.Flush(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %d, confirmed %d\n", out.Sent, out.Confirmed)
	return nil
}
