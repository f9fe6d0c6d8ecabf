package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/engine"
	"github.com/edgeshield/botshield/internal/httpapi"
	"github.com/edgeshield/botshield/internal/logs"
	"github.com/edgeshield/botshield/internal/middleware"
	"github.com/edgeshield/botshield/internal/observability"
	"github.com/edgeshield/botshield/internal/patterns"
	"github.com/edgeshield/botshield/internal/storage"
	"github.com/edgeshield/botshield/internal/storage/redisstore"
	"github.com/edgeshield/botshield/internal/versions"
	"github.com/edgeshield/botshield/internal/window"
)

var (
	configFile   string
	dataDir      string
	listen       string
	upstreamURL  string
	logLevel     string
	logToFile    bool
	logDir       string
	redisAddr    string
	otlpEndpoint string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "botshield",
		Short:   "BotShield - inline bot detection for HTTP services",
		Version: version,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.botshield)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", ":8880", "Listen address")
	rootCmd.PersistentFlags().StringVarP(&upstreamURL, "upstream", "u", "", "Upstream URL to protect (empty serves a demo handler)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to a rotated file")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "Redis address for multi-node fingerprint/weight storage")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP endpoint for trace export (empty disables tracing)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := loadOptions()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Logging == nil {
		cfg.Logging = config.DefaultLogConfig()
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir, err := resolveDataDir()
	if err != nil {
		return err
	}

	store, err := storage.Open(filepath.Join(dir, "botshield.db"), cfg.Learning.LearningRate, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close()
	store.StartCleanup(ctx)

	metrics := observability.NewMetricsManager(sugar)
	tracing, err := observability.NewTracingManager(sugar, observability.TracingConfig{
		Enabled:        otlpEndpoint != "",
		ServiceName:    "botshield",
		ServiceVersion: version,
		OTLPEndpoint:   otlpEndpoint,
		SampleRate:     1.0,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Close(shutdownCtx)
	}()

	cache := patterns.NewCache(cfg.PatternFeeds, cfg.CidrFeeds, store, logger.Named("patterns"))
	cache.Start(ctx)
	defer cache.Close()

	browser := versions.NewStatic(nil)
	windows := window.New(logger.Named("window"))
	defer windows.Close()

	deps := engine.Deps{
		Logger:     logger.Named("engine"),
		Metrics:    metrics,
		Windows:    windows,
		Patterns:   cache,
		Versions:   browser,
		Weights:    store,
		PatternObs: store,
	}

	var fpWriter httpapi.FingerprintWriter = store
	deps.Fingerprints = store
	if redisAddr != "" {
		rstore := redisstore.New(&redis.Options{Addr: redisAddr}, cfg.Learning.LearningRate, logger.Named("redis"))
		if err := rstore.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rstore.Close()
		deps.Fingerprints = rstore
		deps.Weights = rstore
		fpWriter = rstore
		sugar.Infow("using redis for shared state", "addr", redisAddr)
	}

	// buildChain assembles the full handler for one options snapshot, so a
	// config reload can swap the whole chain at once.
	var prevEngine *engine.Engine
	buildChain := func(opts *config.Options) (http.Handler, error) {
		eng, err := engine.New(opts, deps)
		if err != nil {
			return nil, err
		}
		shield := middleware.New(eng, opts, logger.Named("middleware"), metrics)
		api := httpapi.New(sugar, eng, shield, metrics, cache, browser, fpWriter)

		mux := http.NewServeMux()
		mux.Handle("/healthz", api)
		mux.Handle("/metrics", api)
		mux.Handle("/_botshield/", api)
		mux.Handle("/api/v1/", api)
		mux.Handle("/", shield.Wrap(upstreamHandler()))

		if prevEngine != nil {
			prevEngine.Close()
		}
		prevEngine = eng
		return mux, nil
	}

	handler, err := buildChain(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if prevEngine != nil {
			prevEngine.Close()
		}
	}()

	swap := &handlerSwap{}
	swap.Store(handler)

	if configFile != "" {
		watcher, err := config.NewWatcher(configFile, logger.Named("config"))
		if err != nil {
			return err
		}
		watcher.OnChange(func(opts *config.Options) {
			h, err := buildChain(opts)
			if err != nil {
				sugar.Errorw("config reload rebuild failed, keeping previous chain", "error", err)
				return
			}
			swap.Store(h)
			sugar.Info("detection chain rebuilt from new config")
		})

		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		go func() {
			for {
				select {
				case <-sighup:
					watcher.Reload()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           swap,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("botshield listening", "addr", listen, "upstream", upstreamURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		sugar.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadOptions() (*config.Options, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	cfg := config.DefaultOptions()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveDataDir() (string, error) {
	dir := dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, ".botshield")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return dir, nil
}

// upstreamHandler proxies to the protected service, or serves a demo page
// when no upstream is configured.
func upstreamHandler() http.Handler {
	if upstreamURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("botshield demo upstream\n"))
		})
	}
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "invalid upstream configuration", http.StatusBadGateway)
		})
	}
	return httputil.NewSingleHostReverseProxy(target)
}

// handlerSwap lets a config reload swap the protected chain atomically.
// Kept for the SIGHUP rebind path.
type handlerSwap struct {
	h atomic.Pointer[http.Handler]
}

func (hs *handlerSwap) Store(h http.Handler) {
	hs.h.Store(&h)
}

func (hs *handlerSwap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*hs.h.Load()).ServeHTTP(w, r)
}
